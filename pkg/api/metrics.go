package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/dhcp6d/pkg/dhcp"
	"github.com/psaab/dhcp6d/pkg/relay"
)

// dhcp6dCollector implements prometheus.Collector, reading the client and
// relay counters on each scrape.
type dhcp6dCollector struct {
	srv *Server

	// Client
	messagesSent     *prometheus.Desc
	messagesAccepted *prometheus.Desc
	clientDrops      *prometheus.Desc
	exhausted        *prometheus.Desc
	leasesActive     *prometheus.Desc
	sessionState     *prometheus.Desc

	// Relay
	relayForwarded  *prometheus.Desc
	relayDelivered  *prometheus.Desc
	relayDrops      *prometheus.Desc
	relaySendErrors *prometheus.Desc
	relayUp         *prometheus.Desc
}

func newCollector(srv *Server) *dhcp6dCollector {
	return &dhcp6dCollector{
		srv: srv,

		messagesSent: prometheus.NewDesc(
			"dhcp6d_client_messages_sent_total",
			"DHCPv6 client messages sent, by type.",
			[]string{"interface", "type"}, nil,
		),
		messagesAccepted: prometheus.NewDesc(
			"dhcp6d_client_messages_accepted_total",
			"Server messages accepted by the client, by type.",
			[]string{"interface", "type"}, nil,
		),
		clientDrops: prometheus.NewDesc(
			"dhcp6d_client_drops_total",
			"Server messages dropped by the client, by reason.",
			[]string{"interface", "reason"}, nil,
		),
		exhausted: prometheus.NewDesc(
			"dhcp6d_client_exchanges_exhausted_total",
			"Exchanges that reached their retransmission count or duration limit.",
			[]string{"interface"}, nil,
		),
		leasesActive: prometheus.NewDesc(
			"dhcp6d_client_leases_active",
			"Delegated prefixes currently leased.",
			[]string{"interface"}, nil,
		),
		sessionState: prometheus.NewDesc(
			"dhcp6d_client_session_state",
			"Client session state (1 for the current state).",
			[]string{"interface", "state"}, nil,
		),
		relayForwarded: prometheus.NewDesc(
			"dhcp6d_relay_forwarded_total",
			"Messages relayed upstream in RELAY-FORW.",
			nil, nil,
		),
		relayDelivered: prometheus.NewDesc(
			"dhcp6d_relay_delivered_total",
			"RELAY-REPL payloads delivered downstream.",
			nil, nil,
		),
		relayDrops: prometheus.NewDesc(
			"dhcp6d_relay_drops_total",
			"Messages dropped by the relay, by reason.",
			[]string{"reason"}, nil,
		),
		relaySendErrors: prometheus.NewDesc(
			"dhcp6d_relay_send_errors_total",
			"Relay datagrams that failed to send.",
			nil, nil,
		),
		relayUp: prometheus.NewDesc(
			"dhcp6d_relay_up",
			"Whether the relay agent is running.",
			nil, nil,
		),
	}
}

func (c *dhcp6dCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.messagesAccepted
	ch <- c.clientDrops
	ch <- c.exhausted
	ch <- c.leasesActive
	ch <- c.sessionState
	ch <- c.relayForwarded
	ch <- c.relayDelivered
	ch <- c.relayDrops
	ch <- c.relaySendErrors
	ch <- c.relayUp
}

func (c *dhcp6dCollector) Collect(ch chan<- prometheus.Metric) {
	if c.srv.dhcp != nil {
		c.collectClients(ch)
	}
	if c.srv.relay != nil {
		c.collectRelay(ch)
	}
}

var sessionStates = []dhcp.State{
	dhcp.StateInit, dhcp.StateSoliciting, dhcp.StateRequesting,
	dhcp.StateBound, dhcp.StateRenewing, dhcp.StateRebinding,
}

func (c *dhcp6dCollector) collectClients(ch chan<- prometheus.Metric) {
	stats := c.srv.dhcp.ClientStats()
	for _, snap := range c.srv.dhcp.Snapshots() {
		iface := snap.Interface
		st := stats[iface]

		counter := func(d *prometheus.Desc, v uint64, label string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), iface, label)
		}
		counter(c.messagesSent, st.SolicitsSent, "solicit")
		counter(c.messagesSent, st.RequestsSent, "request")
		counter(c.messagesSent, st.RenewsSent, "renew")
		counter(c.messagesSent, st.RebindsSent, "rebind")
		counter(c.messagesAccepted, st.AdvertisesAccepted, "advertise")
		counter(c.messagesAccepted, st.RepliesAccepted, "reply")
		counter(c.clientDrops, st.DroppedMalformed, "malformed")
		counter(c.clientDrops, st.DroppedMismatch, "mismatch")
		counter(c.clientDrops, st.DroppedStatus, "status")
		counter(c.clientDrops, st.DroppedUnexpected, "unexpected")
		ch <- prometheus.MustNewConstMetric(c.exhausted, prometheus.CounterValue,
			float64(st.Exhausted), iface)

		var leased int
		for _, l := range snap.Leases {
			if l.Leased {
				leased++
			}
		}
		ch <- prometheus.MustNewConstMetric(c.leasesActive, prometheus.GaugeValue,
			float64(leased), iface)

		for _, state := range sessionStates {
			v := 0.0
			if snap.State == state {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.sessionState, prometheus.GaugeValue,
				v, iface, state.String())
		}
	}
}

func (c *dhcp6dCollector) collectRelay(ch chan<- prometheus.Metric) {
	up := 0.0
	if c.srv.relay.Running() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.relayUp, prometheus.GaugeValue, up)

	st := c.srv.relay.Stats()
	ch <- prometheus.MustNewConstMetric(c.relayForwarded, prometheus.CounterValue, float64(st.Forwarded))
	ch <- prometheus.MustNewConstMetric(c.relayDelivered, prometheus.CounterValue, float64(st.Delivered))
	ch <- prometheus.MustNewConstMetric(c.relaySendErrors, prometheus.CounterValue, float64(st.SendErrors))
	for _, d := range relayDrops(st) {
		ch <- prometheus.MustNewConstMetric(c.relayDrops, prometheus.CounterValue, float64(d.n), d.reason)
	}
}

type dropCount struct {
	reason string
	n      uint64
}

func relayDrops(st relay.StatsSnapshot) []dropCount {
	return []dropCount{
		{"malformed", st.DroppedMalformed},
		{"hop_limit", st.DroppedHopLimit},
		{"missing_option", st.DroppedMissingOption},
		{"unspecified_peer", st.DroppedUnspecified},
		{"unsupported", st.DroppedUnsupported},
		{"unknown_link", st.DroppedUnknownLink},
	}
}
