// Package retrans computes DHCPv6 retransmission timeouts (RFC 8415 §15).
//
// A Timer is created per message exchange. Each call to Next happens right
// before a (re)transmission and returns how long to wait for a reply; once
// the exchange's count or duration limit is reached Next returns
// ErrExhausted instead. All arithmetic is done in integer microseconds.
package retrans

import (
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned once MRC transmissions were sent or MRD elapsed.
var ErrExhausted = errors.New("retrans: exchange exhausted")

// Params are the per-exchange retransmission parameters. Zero MRC or MRD
// means unlimited; zero MRT means no ceiling.
type Params struct {
	IRT time.Duration
	MRT time.Duration
	MRC int
	MRD time.Duration
}

// Default exchange parameters. RENEW and REBIND have their MRD filled in per
// exchange from the lease state.
var (
	Solicit = Params{IRT: time.Second, MRT: 3600 * time.Second}
	Request = Params{IRT: time.Second, MRT: 30 * time.Second, MRC: 10}
	Renew   = Params{IRT: 10 * time.Second, MRT: 600 * time.Second}
	Rebind  = Params{IRT: 10 * time.Second, MRT: 600 * time.Second}
)

// SolMaxDelay bounds the random delay before the first SOLICIT.
const SolMaxDelay = time.Second

// WithDuration returns p with MRD replaced.
func (p Params) WithDuration(mrd time.Duration) Params {
	p.MRD = mrd
	return p
}

// Validate rejects negative or inconsistent values.
func (p Params) Validate() error {
	switch {
	case p.IRT <= 0:
		return fmt.Errorf("initial retransmission time must be positive, got %s", p.IRT)
	case p.MRT < 0:
		return fmt.Errorf("maximum retransmission time is negative: %s", p.MRT)
	case p.MRT > 0 && p.MRT < p.IRT:
		return fmt.Errorf("maximum retransmission time %s below initial %s", p.MRT, p.IRT)
	case p.MRC < 0:
		return fmt.Errorf("maximum retransmission count is negative: %d", p.MRC)
	case p.MRD < 0:
		return fmt.Errorf("maximum retransmission duration is negative: %s", p.MRD)
	}
	return nil
}

// Rand is satisfied by *math/rand/v2.Rand.
type Rand interface {
	Int64N(n int64) int64
}

const (
	perMillion = 1_000_000
	// RAND spans [-0.1, 0.1] in parts per million.
	randSpan = 100_000
)

// Timer tracks one exchange.
type Timer struct {
	params     Params
	greaterIRT bool
	rng        Rand
	start      time.Time
	rt         int64 // current timeout, microseconds
	count      int
}

// New starts an exchange at start. greaterIRT forces the first RAND draw to
// be non-negative, as SOLICIT requires.
func New(p Params, greaterIRT bool, rng Rand, start time.Time) *Timer {
	return &Timer{params: p, greaterIRT: greaterIRT, rng: rng, start: start}
}

// Start returns when the exchange began.
func (t *Timer) Start() time.Time { return t.start }

// Count returns the number of transmissions so far.
func (t *Timer) Count() int { return t.count }

// Params returns the parameters in effect.
func (t *Timer) Params() Params { return t.params }

// SetMaximum replaces MRT for the remaining retransmissions. SOL_MAX_RT
// received from a server lands here.
func (t *Timer) SetMaximum(mrt time.Duration) {
	t.params.MRT = mrt
}

// Next accounts one transmission at now and returns the timeout to wait
// before the following one. With an MRD, the timeout is cut so it never
// runs past the end of the exchange.
func (t *Timer) Next(now time.Time) (time.Duration, error) {
	p := t.params
	if p.MRC > 0 && t.count >= p.MRC {
		return 0, fmt.Errorf("%w: %d transmissions", ErrExhausted, t.count)
	}
	elapsed := now.Sub(t.start).Microseconds()
	mrd := p.MRD.Microseconds()
	if mrd > 0 && elapsed >= mrd {
		return 0, fmt.Errorf("%w: %s elapsed", ErrExhausted, time.Duration(elapsed)*time.Microsecond)
	}

	if t.count == 0 {
		t.rt = t.initial()
	} else {
		t.rt = t.backoff()
	}
	t.count++

	rt := t.rt
	if mrd > 0 && rt > mrd-elapsed {
		rt = mrd - elapsed
	}
	return time.Duration(rt) * time.Microsecond, nil
}

// initial is RT0 = IRT + RAND*IRT.
func (t *Timer) initial() int64 {
	irt := t.params.IRT.Microseconds()
	return irt + irt*t.draw(t.greaterIRT)/perMillion
}

// backoff is RT = min(2*RTprev + RAND*RTprev, MRT + RAND*MRT) with
// independent draws.
func (t *Timer) backoff() int64 {
	prev := t.rt
	rt := 2*prev + prev*t.draw(false)/perMillion
	if mrt := t.params.MRT.Microseconds(); mrt > 0 {
		if ceiling := mrt + mrt*t.draw(false)/perMillion; rt > ceiling {
			rt = ceiling
		}
	}
	return rt
}

// draw returns RAND in parts per million.
func (t *Timer) draw(nonNegative bool) int64 {
	if nonNegative {
		return t.rng.Int64N(randSpan + 1)
	}
	return t.rng.Int64N(2*randSpan+1) - randSpan
}

// Jitter returns a uniform delay in [0, max], used for the initial SOLICIT
// delay.
func Jitter(rng Rand, max time.Duration) time.Duration {
	us := max.Microseconds()
	if us <= 0 {
		return 0
	}
	return time.Duration(rng.Int64N(us+1)) * time.Microsecond
}
