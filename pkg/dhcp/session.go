package dhcp

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
	"github.com/psaab/dhcp6d/pkg/lease"
	"github.com/psaab/dhcp6d/pkg/retrans"
)

// State is the client session state.
type State int

const (
	StateInit State = iota
	StateSoliciting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSoliciting:
		return "soliciting"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateRenewing:
		return "renewing"
	case StateRebinding:
		return "rebinding"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Delegation is passed to the prefix callbacks.
type Delegation struct {
	Upstream          string // interface the lease was obtained on
	Interface         string // downstream interface the prefix is for
	Prefix            netip.Prefix
	PreferredLifetime uint32 // seconds
	ValidLifetime     uint32 // seconds
}

// Random is satisfied by *math/rand/v2.Rand.
type Random interface {
	retrans.Rand
	dhcp6.Uint32Source
}

// Timers are the per-exchange retransmission parameters of a session.
type Timers struct {
	Solicit retrans.Params
	Request retrans.Params
	Renew   retrans.Params
	Rebind  retrans.Params
}

// DefaultTimers returns the RFC 8415 parameters.
func DefaultTimers() Timers {
	return Timers{
		Solicit: retrans.Solicit,
		Request: retrans.Request,
		Renew:   retrans.Renew,
		Rebind:  retrans.Rebind,
	}
}

// server is the record of the server chosen from the ADVERTISE phase.
type server struct {
	duid       []byte
	preference uint8
	t1         uint32
	advert     *dhcp6.Contents
}

// session is one client state machine. It never blocks and never touches a
// socket or clock: the runner feeds it packets and timeouts with the current
// time, and it reports when it next wants a timeout through deadline.
type session struct {
	upstream string
	clientID []byte
	timers   Timers
	rng      Random
	leases   *lease.Table
	send     func([]byte) error
	stats    *Stats

	onLeased  func(Delegation)
	onExpired func(Delegation)

	state    State
	xid      uint32
	timer    *retrans.Timer
	deadline time.Time // zero: no timeout wanted
	solMaxRT time.Duration

	// Soliciting: first window collects the best ADVERTISE.
	firstWindow bool
	best        *server
	// Requesting onwards.
	server *server
	// Bound timers; zero means never.
	t1At, t2At time.Time
}

func (s *session) logAttrs(args ...any) []any {
	return append([]any{"interface", s.upstream, "state", s.state}, args...)
}

// start schedules the first SOLICIT after a random delay in
// [0, SOL_MAX_DELAY].
func (s *session) start(now time.Time) {
	// A restarted session does not carry bindings over.
	for _, l := range s.leases.Leased(now) {
		s.notifyExpired(l)
	}
	s.leases.ReleaseAll()
	s.state = StateInit
	s.server, s.best = nil, nil
	s.t1At, s.t2At = time.Time{}, time.Time{}
	s.deadline = now.Add(retrans.Jitter(s.rng, retrans.SolMaxDelay))
}

// handleTimeout runs when the deadline passes.
func (s *session) handleTimeout(now time.Time) {
	s.expire(now)
	switch s.state {
	case StateInit:
		s.beginSolicit(now)
	case StateSoliciting:
		if s.firstWindow {
			s.firstWindow = false
			if s.best != nil {
				s.beginRequest(now, s.best)
				return
			}
		}
		s.transmit(now)
	case StateRequesting:
		s.transmit(now)
	case StateRebinding:
		if s.leasesLost(now) {
			return
		}
		s.transmit(now)
	case StateRenewing:
		if s.leasesLost(now) {
			return
		}
		if !s.t2At.IsZero() && !now.Before(s.t2At) {
			s.beginRebind(now)
			return
		}
		s.transmit(now)
	case StateBound:
		switch {
		case !s.t2At.IsZero() && !now.Before(s.t2At):
			s.beginRebind(now)
		case !s.t1At.IsZero() && !now.Before(s.t1At):
			s.beginRenew(now)
		default:
			s.scheduleBound(now)
		}
	}
}

// expire reverts leases whose valid lifetime passed.
func (s *session) expire(now time.Time) {
	for _, l := range s.leases.Expire(now) {
		slog.Info("DHCPv6: delegated prefix expired", s.logAttrs(
			"downstream", l.Interface, "prefix", l.Prefix)...)
		s.notifyExpired(l)
	}
}

// leasesLost starts over with SOLICIT, without the start delay, once no
// lease is left to extend.
func (s *session) leasesLost(now time.Time) bool {
	if len(s.leases.Leased(now)) > 0 {
		return false
	}
	slog.Warn("DHCPv6: all delegated prefixes expired, soliciting again", s.logAttrs()...)
	s.beginSolicit(now)
	return true
}

func (s *session) notifyExpired(l lease.Lease) {
	if s.onExpired != nil {
		s.onExpired(Delegation{Upstream: s.upstream, Interface: l.Interface, Prefix: l.Prefix})
	}
}

func (s *session) newExchange(now time.Time, state State, p retrans.Params, greaterIRT bool) {
	s.state = state
	s.xid = dhcp6.NewTransactionID(s.rng)
	s.timer = retrans.New(p, greaterIRT, s.rng, now)
}

func (s *session) beginSolicit(now time.Time) {
	p := s.timers.Solicit
	if s.solMaxRT > 0 {
		p.MRT = s.solMaxRT
	}
	s.newExchange(now, StateSoliciting, p, true)
	s.firstWindow = true
	s.best = nil
	s.server = nil
	s.t1At, s.t2At = time.Time{}, time.Time{}
	slog.Info("DHCPv6: soliciting", s.logAttrs("unleased", len(s.leases.Unleased(now)))...)
	s.transmit(now)
}

func (s *session) beginRequest(now time.Time, srv *server) {
	s.server = srv
	s.best = nil
	s.newExchange(now, StateRequesting, s.timers.Request, false)
	slog.Info("DHCPv6: requesting", s.logAttrs(
		"server", dhcp6.FormatDUID(srv.duid), "preference", srv.preference)...)
	s.transmit(now)
}

func (s *session) beginRenew(now time.Time) {
	if s.leasesLost(now) {
		return
	}
	// MRD runs until T2 or the last lease expiry, whichever comes first.
	until := s.t2At
	if exp, ok := s.leases.LatestExpiry(now); ok && !exp.IsZero() &&
		(until.IsZero() || exp.Before(until)) {
		until = exp
	}
	s.newExchange(now, StateRenewing, s.timers.Renew.WithDuration(remaining(now, until)), false)
	slog.Info("DHCPv6: T1 reached, renewing", s.logAttrs("leases", len(s.leases.Leased(now)))...)
	s.transmit(now)
}

func (s *session) beginRebind(now time.Time) {
	if s.leasesLost(now) {
		return
	}
	var mrd time.Duration
	if exp, ok := s.leases.LatestExpiry(now); ok {
		mrd = remaining(now, exp)
	}
	s.newExchange(now, StateRebinding, s.timers.Rebind.WithDuration(mrd), false)
	slog.Info("DHCPv6: T2 reached, rebinding", s.logAttrs("leases", len(s.leases.Leased(now)))...)
	s.transmit(now)
}

// remaining returns until-now, at least 1µs so a set deadline is never read
// as unlimited. A zero until means unlimited.
func remaining(now, until time.Time) time.Duration {
	if until.IsZero() {
		return 0
	}
	if d := until.Sub(now); d > time.Microsecond {
		return d
	}
	return time.Microsecond
}

// transmit sends the current exchange's message, or falls back when the
// exchange is exhausted.
func (s *session) transmit(now time.Time) {
	rt, err := s.timer.Next(now)
	if err != nil {
		s.exhausted(now, err)
		return
	}
	s.deadline = now.Add(rt)

	msg, err := s.buildMessage(now)
	if err == nil {
		var b []byte
		if b, err = msg.Marshal(); err == nil {
			err = s.send(b)
		}
	}
	if err != nil {
		// Treated like a lost packet: the retransmission timer covers it.
		slog.Warn("DHCPv6: send failed", s.logAttrs("type", msg.Type, "err", err)...)
		return
	}
	s.stats.sent(msg.Type)
	slog.Debug("DHCPv6: sent", s.logAttrs(
		"type", msg.Type, "xid", fmt.Sprintf("%#06x", s.xid),
		"attempt", s.timer.Count(), "timeout", rt)...)
}

func (s *session) exhausted(now time.Time, err error) {
	s.stats.Exhausted.Add(1)
	switch s.state {
	case StateRequesting:
		slog.Warn("DHCPv6: request exhausted, soliciting again", s.logAttrs("err", err)...)
		s.beginSolicit(now)
	case StateRenewing:
		s.beginRebind(now)
	case StateRebinding:
		slog.Warn("DHCPv6: rebind failed, leases lost", s.logAttrs("err", err)...)
		for _, l := range s.leases.Leased(now) {
			s.notifyExpired(l)
		}
		s.leases.ReleaseAll()
		s.beginSolicit(now)
	default:
		// SOLICIT has no limits unless configured with one.
		slog.Warn("DHCPv6: solicit exhausted, restarting", s.logAttrs("err", err)...)
		s.beginSolicit(now)
	}
}

func (s *session) messageType() dhcp6.MessageType {
	switch s.state {
	case StateSoliciting:
		return dhcp6.MessageTypeSolicit
	case StateRequesting:
		return dhcp6.MessageTypeRequest
	case StateRenewing:
		return dhcp6.MessageTypeRenew
	case StateRebinding:
		return dhcp6.MessageTypeRebind
	}
	return 0
}

func (s *session) buildMessage(now time.Time) (*dhcp6.Message, error) {
	msg := &dhcp6.Message{Type: s.messageType(), TransactionID: s.xid}
	msg.Options = append(msg.Options, dhcp6.ClientIDOption(s.clientID))
	if s.state == StateRequesting || s.state == StateRenewing {
		msg.Options = append(msg.Options, dhcp6.ServerIDOption(s.server.duid))
	}
	msg.Options = append(msg.Options,
		dhcp6.ElapsedTimeOption(s.timer.Start(), now),
		dhcp6.OptionRequestOption(dhcp6.OptionSolMaxRT),
	)

	var ls []lease.Lease
	switch s.state {
	case StateSoliciting:
		ls = s.leases.Unleased(now)
	default:
		ls = s.leases.All()
	}
	for _, l := range ls {
		opt, err := s.iaFor(now, l)
		if err != nil {
			return msg, err
		}
		msg.Options = append(msg.Options, opt)
	}
	return msg, nil
}

// iaFor builds the IA_PD for one lease. T1/T2 are left zero.
func (s *session) iaFor(now time.Time, l lease.Lease) (dhcp6.Option, error) {
	ia := &dhcp6.IAPD{IAID: uint32(l.ID)}
	var prefixes []*dhcp6.IAPrefix
	switch {
	case l.ActiveAt(now) && s.state != StateSoliciting && s.state != StateRequesting:
		prefixes = append(prefixes, &dhcp6.IAPrefix{
			PreferredLifetime: l.PreferredLifetime,
			ValidLifetime:     l.ValidLifetime,
			Prefix:            l.Prefix,
		})
	case s.state == StateRequesting && s.server != nil && s.server.advert != nil:
		if adv, ok := s.server.advert.IAPD(uint32(l.ID)); ok {
			offered, _ := adv.Prefixes()
			for _, p := range offered {
				if p.Prefix.Bits() > 0 && p.ValidLifetime > 0 {
					prefixes = append(prefixes, &dhcp6.IAPrefix{Prefix: p.Prefix})
				}
			}
		}
	}
	if len(prefixes) == 0 && l.PrefixLength > 0 {
		prefixes = append(prefixes, &dhcp6.IAPrefix{
			Prefix: netip.PrefixFrom(netip.IPv6Unspecified(), l.PrefixLength),
		})
	}
	for _, p := range prefixes {
		opt, err := p.Option()
		if err != nil {
			return dhcp6.Option{}, err
		}
		ia.Options = append(ia.Options, opt)
	}
	return ia.Option()
}

// handlePacket processes one received datagram. Anything invalid is
// dropped with a counter bump; the retransmission timer keeps running.
func (s *session) handlePacket(now time.Time, b []byte) {
	s.expire(now)
	if err := s.receive(now, b); err != nil {
		s.stats.dropped(err)
		slog.Debug("DHCPv6: dropped message", s.logAttrs("err", err)...)
	}
}

var errUnexpected = errors.New("unexpected message")

func (s *session) receive(now time.Time, b []byte) error {
	msg, err := dhcp6.ParseMessage(b)
	if err != nil {
		return err
	}
	want := s.expectedType()
	if want == 0 || msg.Type != want {
		return fmt.Errorf("%w: %s in state %s", errUnexpected, msg.Type, s.state)
	}
	if msg.TransactionID != s.xid {
		return fmt.Errorf("%w: transaction id %#06x, expected %#06x",
			dhcp6.ErrProtocolMismatch, msg.TransactionID, s.xid)
	}
	c, err := dhcp6.DecodeContents(msg.Options)
	if err != nil {
		return err
	}
	var serverID []byte
	if s.state == StateRequesting || s.state == StateRenewing {
		serverID = s.server.duid
	}
	if err := c.CheckIdentity(s.clientID, serverID); err != nil {
		return err
	}
	if c.SolMaxRT > 0 {
		s.learnSolMaxRT(time.Duration(c.SolMaxRT) * time.Second)
	}

	if s.state == StateSoliciting {
		return s.handleAdvertise(now, c)
	}
	return s.handleReply(now, c)
}

func (s *session) expectedType() dhcp6.MessageType {
	switch s.state {
	case StateSoliciting:
		return dhcp6.MessageTypeAdvertise
	case StateRequesting, StateRenewing, StateRebinding:
		return dhcp6.MessageTypeReply
	}
	return 0
}

func (s *session) learnSolMaxRT(d time.Duration) {
	if d == s.solMaxRT {
		return
	}
	s.solMaxRT = d
	if s.state == StateSoliciting {
		s.timer.SetMaximum(d)
	}
	slog.Info("DHCPv6: SOL_MAX_RT updated", s.logAttrs("sol_max_rt", d)...)
}

func (s *session) handleAdvertise(now time.Time, c *dhcp6.Contents) error {
	if err := usableAdvertise(c); err != nil {
		return err
	}
	s.stats.AdvertisesAccepted.Add(1)
	srv := &server{
		duid:       bytes.Clone(c.ServerID),
		preference: c.Preference,
		advert:     c,
	}
	if len(c.IAPDs) > 0 {
		srv.t1 = c.IAPDs[0].T1
	}
	slog.Debug("DHCPv6: advertise received", s.logAttrs(
		"server", dhcp6.FormatDUID(srv.duid), "preference", srv.preference)...)

	if !s.firstWindow {
		s.beginRequest(now, srv)
		return nil
	}
	// Highest preference wins; the first one seen wins a tie.
	if s.best == nil || srv.preference > s.best.preference {
		s.best = srv
	}
	if srv.preference == 255 {
		s.firstWindow = false
		s.beginRequest(now, srv)
	}
	return nil
}

// usableAdvertise rejects an ADVERTISE that carries no prefix offer.
func usableAdvertise(c *dhcp6.Contents) error {
	if err := c.Status.Err(); err != nil {
		return err
	}
	if len(c.IAPDs) == 0 {
		return fmt.Errorf("%w: advertise without IA_PD", errUnexpected)
	}
	var lastErr error
	for _, ia := range c.IAPDs {
		st, _ := ia.Status()
		if lastErr = st.Err(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *session) handleReply(now time.Time, c *dhcp6.Contents) error {
	if err := c.Status.Err(); err != nil {
		return err
	}

	var (
		t1, t2       uint32
		haveTimes    bool
		minPreferred uint32 = dhcp6.Infinity
		bound        int
	)
	for _, l := range s.leases.All() {
		ia, ok := c.IAPD(uint32(l.ID))
		if !ok {
			continue
		}
		if st, _ := ia.Status(); st.Err() != nil {
			slog.Warn("DHCPv6: IA_PD refused", s.logAttrs(
				"downstream", l.Interface, "iaid", l.ID, "status", st.Code, "message", st.Message)...)
			continue
		}
		p, ok := s.applyIA(now, l, ia)
		if !ok {
			continue
		}
		bound++
		minPreferred = min(minPreferred, p.PreferredLifetime)
		if ia.T1 > 0 && ia.T2 > 0 && ia.T1 <= ia.T2 {
			if !haveTimes || ia.T1 < t1 {
				t1 = ia.T1
			}
			if !haveTimes || ia.T2 < t2 {
				t2 = ia.T2
			}
			haveTimes = true
		}
	}

	if len(s.leases.Leased(now)) == 0 {
		s.stats.RepliesAccepted.Add(1)
		slog.Warn("DHCPv6: reply left no delegated prefix, soliciting again", s.logAttrs()...)
		s.beginSolicit(now)
		return nil
	}
	if bound == 0 {
		// Leases survive but nothing was extended; keep retrying until
		// MRD moves the exchange on.
		return fmt.Errorf("%w: reply extended no prefix", errUnexpected)
	}
	s.stats.RepliesAccepted.Add(1)
	if s.state == StateRebinding {
		// Whoever answered a REBIND is the server from now on.
		s.server = &server{duid: bytes.Clone(c.ServerID)}
	}
	if !haveTimes {
		t1, t2 = defaultTimes(minPreferred)
	}
	s.t1At, s.t2At = at(now, t1), at(now, t2)
	s.server.t1 = t1
	s.state = StateBound
	s.timer = nil
	slog.Info("DHCPv6: bound", s.logAttrs(
		"leases", len(s.leases.Leased(now)), "t1", t1, "t2", t2)...)
	s.scheduleBound(now)
	return nil
}

// applyIA applies the first acceptable IA Prefix of ia to l. It reports the
// prefix bound, if any.
func (s *session) applyIA(now time.Time, l lease.Lease, ia *dhcp6.IAPD) (*dhcp6.IAPrefix, bool) {
	prefixes, _ := ia.Prefixes()
	var chosen *dhcp6.IAPrefix
	for _, p := range prefixes {
		if st, _ := p.Status(); st.Err() != nil {
			continue
		}
		switch {
		case p.Prefix.Bits() == 0:
			slog.Info("DHCPv6: prefix delegation denied", s.logAttrs("downstream", l.Interface)...)
		case p.ValidLifetime == 0:
			if l.Leased && l.Prefix == p.Prefix.Masked() {
				slog.Info("DHCPv6: delegated prefix withdrawn", s.logAttrs(
					"downstream", l.Interface, "prefix", l.Prefix)...)
				s.leases.Release(l.ID)
				s.notifyExpired(l)
			}
		case p.PreferredLifetime > p.ValidLifetime:
			slog.Debug("DHCPv6: prefix preferred lifetime above valid", s.logAttrs("prefix", p.Prefix)...)
		case chosen == nil:
			chosen = p
		}
	}
	if chosen == nil {
		return nil, false
	}
	if l.Leased && l.Prefix != chosen.Prefix.Masked() {
		// Server moved us to a new prefix.
		s.notifyExpired(l)
	}
	s.leases.Bind(l.ID, chosen.Prefix, chosen.PreferredLifetime, chosen.ValidLifetime, now)
	d := Delegation{
		Upstream:          s.upstream,
		Interface:         l.Interface,
		Prefix:            chosen.Prefix.Masked(),
		PreferredLifetime: chosen.PreferredLifetime,
		ValidLifetime:     chosen.ValidLifetime,
	}
	slog.Info("DHCPv6: delegated prefix leased", s.logAttrs(
		"downstream", d.Interface, "prefix", d.Prefix,
		"preferred", d.PreferredLifetime, "valid", d.ValidLifetime)...)
	if s.onLeased != nil {
		s.onLeased(d)
	}
	return chosen, true
}

// minDerivedT1 keeps a zero preferred lifetime from renewing in a loop.
const minDerivedT1 = 30

// defaultTimes derives T1/T2 as 0.5 and 0.8 of the shortest preferred
// lifetime when the server left them to the client.
func defaultTimes(preferred uint32) (t1, t2 uint32) {
	if preferred == dhcp6.Infinity {
		return dhcp6.Infinity, dhcp6.Infinity
	}
	t1 = max(preferred/2, minDerivedT1)
	t2 = max(uint32(uint64(preferred)*4/5), t1)
	return t1, t2
}

func at(now time.Time, seconds uint32) time.Time {
	if seconds == dhcp6.Infinity {
		return time.Time{}
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// scheduleBound sets the deadline to the nearest of T1, T2 and the next
// lease expiry.
func (s *session) scheduleBound(now time.Time) {
	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	consider(s.t1At)
	consider(s.t2At)
	for _, l := range s.leases.Leased(now) {
		consider(l.Expires())
	}
	s.deadline = next
	if len(s.leases.Leased(now)) == 0 {
		s.beginSolicit(now)
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Interface string
	State     State
	ServerID  []byte
	T1, T2    time.Time
	Leases    []lease.Lease
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		Interface: s.upstream,
		State:     s.state,
		T1:        s.t1At,
		T2:        s.t2At,
		Leases:    s.leases.All(),
	}
	if s.server != nil {
		snap.ServerID = bytes.Clone(s.server.duid)
	}
	return snap
}
