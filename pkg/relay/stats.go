package relay

import (
	"errors"
	"sync/atomic"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

// Stats counts relay outcomes. Every handled datagram bumps exactly one of
// Forwarded, Delivered or a Dropped counter; SendErrors counts failed writes.
type Stats struct {
	Forwarded atomic.Uint64 // RELAY-FORW sent upstream
	Delivered atomic.Uint64 // RELAY-REPL payloads sent downstream

	DroppedMalformed     atomic.Uint64
	DroppedHopLimit      atomic.Uint64
	DroppedMissingOption atomic.Uint64
	DroppedUnspecified   atomic.Uint64
	DroppedUnsupported   atomic.Uint64
	DroppedUnknownLink   atomic.Uint64
	SendErrors           atomic.Uint64
}

func (s *Stats) dropped(err error) {
	switch {
	case errors.Is(err, dhcp6.ErrMalformedMessage):
		s.DroppedMalformed.Add(1)
	case errors.Is(err, ErrHopLimit):
		s.DroppedHopLimit.Add(1)
	case errors.Is(err, ErrMissingInterfaceID), errors.Is(err, ErrMissingRelayMessage):
		s.DroppedMissingOption.Add(1)
	case errors.Is(err, ErrUnspecifiedPeer):
		s.DroppedUnspecified.Add(1)
	case errors.Is(err, ErrUnknownInterface):
		s.DroppedUnknownLink.Add(1)
	default:
		s.DroppedUnsupported.Add(1)
	}
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	Forwarded            uint64 `json:"forwarded"`
	Delivered            uint64 `json:"delivered"`
	DroppedMalformed     uint64 `json:"dropped_malformed"`
	DroppedHopLimit      uint64 `json:"dropped_hop_limit"`
	DroppedMissingOption uint64 `json:"dropped_missing_option"`
	DroppedUnspecified   uint64 `json:"dropped_unspecified_peer"`
	DroppedUnsupported   uint64 `json:"dropped_unsupported"`
	DroppedUnknownLink   uint64 `json:"dropped_unknown_link"`
	SendErrors           uint64 `json:"send_errors"`
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Forwarded:            s.Forwarded.Load(),
		Delivered:            s.Delivered.Load(),
		DroppedMalformed:     s.DroppedMalformed.Load(),
		DroppedHopLimit:      s.DroppedHopLimit.Load(),
		DroppedMissingOption: s.DroppedMissingOption.Load(),
		DroppedUnspecified:   s.DroppedUnspecified.Load(),
		DroppedUnsupported:   s.DroppedUnsupported.Load(),
		DroppedUnknownLink:   s.DroppedUnknownLink.Load(),
		SendErrors:           s.SendErrors.Load(),
	}
}
