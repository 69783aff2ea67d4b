package dhcp

import (
	"errors"
	"sync/atomic"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

// Stats counts client session activity. Fields are updated atomically by the
// session goroutine and read by the API and metrics collectors.
type Stats struct {
	SolicitsSent atomic.Uint64
	RequestsSent atomic.Uint64
	RenewsSent   atomic.Uint64
	RebindsSent  atomic.Uint64

	AdvertisesAccepted atomic.Uint64
	RepliesAccepted    atomic.Uint64

	DroppedMalformed  atomic.Uint64
	DroppedMismatch   atomic.Uint64
	DroppedStatus     atomic.Uint64
	DroppedUnexpected atomic.Uint64

	Exhausted atomic.Uint64
}

func (s *Stats) sent(t dhcp6.MessageType) {
	switch t {
	case dhcp6.MessageTypeSolicit:
		s.SolicitsSent.Add(1)
	case dhcp6.MessageTypeRequest:
		s.RequestsSent.Add(1)
	case dhcp6.MessageTypeRenew:
		s.RenewsSent.Add(1)
	case dhcp6.MessageTypeRebind:
		s.RebindsSent.Add(1)
	}
}

func (s *Stats) dropped(err error) {
	switch {
	case errors.Is(err, dhcp6.ErrMalformedMessage):
		s.DroppedMalformed.Add(1)
	case errors.Is(err, dhcp6.ErrProtocolMismatch):
		s.DroppedMismatch.Add(1)
	case errors.Is(err, dhcp6.ErrStatusFailure):
		s.DroppedStatus.Add(1)
	default:
		s.DroppedUnexpected.Add(1)
	}
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	SolicitsSent       uint64 `json:"solicits_sent"`
	RequestsSent       uint64 `json:"requests_sent"`
	RenewsSent         uint64 `json:"renews_sent"`
	RebindsSent        uint64 `json:"rebinds_sent"`
	AdvertisesAccepted uint64 `json:"advertises_accepted"`
	RepliesAccepted    uint64 `json:"replies_accepted"`
	DroppedMalformed   uint64 `json:"dropped_malformed"`
	DroppedMismatch    uint64 `json:"dropped_mismatch"`
	DroppedStatus      uint64 `json:"dropped_status"`
	DroppedUnexpected  uint64 `json:"dropped_unexpected"`
	Exhausted          uint64 `json:"exhausted"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SolicitsSent:       s.SolicitsSent.Load(),
		RequestsSent:       s.RequestsSent.Load(),
		RenewsSent:         s.RenewsSent.Load(),
		RebindsSent:        s.RebindsSent.Load(),
		AdvertisesAccepted: s.AdvertisesAccepted.Load(),
		RepliesAccepted:    s.RepliesAccepted.Load(),
		DroppedMalformed:   s.DroppedMalformed.Load(),
		DroppedMismatch:    s.DroppedMismatch.Load(),
		DroppedStatus:      s.DroppedStatus.Load(),
		DroppedUnexpected:  s.DroppedUnexpected.Load(),
		Exhausted:          s.Exhausted.Load(),
	}
}
