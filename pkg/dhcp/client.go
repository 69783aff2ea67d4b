package dhcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/psaab/dhcp6d/pkg/lease"
)

// Defaults for ClientConfig.
const (
	DefaultMaxLeases  = 4
	DefaultBufferSize = 1500
)

// ClientConfig configures one prefix delegation client on an upstream
// interface.
type ClientConfig struct {
	Interface  string
	ClientID   []byte // DUID-LL
	Timers     Timers
	MaxLeases  int // lease table capacity
	BufferSize int // largest datagram sent or received

	OnPrefixLeased  func(Delegation)
	OnPrefixExpired func(Delegation)

	Rand Random           // nil: seeded from the runtime
	Conn PacketConn       // for testing; nil opens a socket on Interface
	Now  func() time.Time // for testing
	Dst  net.Addr         // for testing; nil sends to ff02::1:2%Interface
}

// Client runs one session. Register the downstream leases, then Run.
type Client struct {
	cfg    ClientConfig
	leases *lease.Table
	stats  Stats

	mu sync.Mutex // guards s
	s  *session
}

// NewClient builds a client. It does not touch the network.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxLeases <= 0 {
		cfg.MaxLeases = DefaultMaxLeases
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Timers == (Timers{}) {
		cfg.Timers = DefaultTimers()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{
		cfg:    cfg,
		leases: lease.NewTable(cfg.MaxLeases),
	}
	c.s = &session{
		upstream:  cfg.Interface,
		clientID:  bytes.Clone(cfg.ClientID),
		timers:    cfg.Timers,
		rng:       cfg.Rand,
		leases:    c.leases,
		stats:     &c.stats,
		onLeased:  cfg.OnPrefixLeased,
		onExpired: cfg.OnPrefixExpired,
		send: func([]byte) error {
			return errors.New("client not running")
		},
	}
	return c
}

// Register adds a prefix delegation request for a downstream interface.
// A prefixLength of 0 sends no length hint.
func (c *Client) Register(downstream string, ifindex, prefixLength int) (lease.ID, error) {
	if err := lease.CheckIfIndex(ifindex); err != nil {
		return 0, fmt.Errorf("downstream %s: %w", downstream, err)
	}
	id := lease.NewID(ifindex, lease.IATypePD)
	if err := c.leases.Register(id, downstream, prefixLength); err != nil {
		return 0, err
	}
	return id, nil
}

// Interface returns the upstream interface name.
func (c *Client) Interface() string { return c.cfg.Interface }

// Leases returns a snapshot of the lease table.
func (c *Client) Leases() []lease.Lease { return c.leases.All() }

// Stats returns the live counters.
func (c *Client) Stats() *Stats { return &c.stats }

// Snapshot returns the session state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.snapshot()
}

// Run drives the session until ctx is done. Each wait races the next
// received datagram against the session deadline, whichever comes first.
func (c *Client) Run(ctx context.Context) error {
	conn := c.cfg.Conn
	if conn == nil {
		var err error
		if conn, err = listenClient(ctx, c.cfg.Interface); err != nil {
			return err
		}
	}
	defer conn.Close()

	dst := c.cfg.Dst
	if dst == nil {
		dst = serverAddr(c.cfg.Interface)
	}
	c.mu.Lock()
	c.s.send = func(b []byte) error {
		if len(b) > c.cfg.BufferSize {
			return fmt.Errorf("message of %d bytes exceeds buffer size %d", len(b), c.cfg.BufferSize)
		}
		_, err := conn.WriteTo(b, dst)
		return err
	}
	c.s.start(c.cfg.Now())
	c.mu.Unlock()

	rx := make(chan []byte, 16)
	go c.receiveLoop(ctx, conn, rx)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		c.mu.Lock()
		deadline := c.s.deadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer.Reset(max(deadline.Sub(c.cfg.Now()), 0))
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-rx:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("DHCPv6 receive on %s stopped", c.cfg.Interface)
			}
			c.mu.Lock()
			c.s.handlePacket(c.cfg.Now(), b)
			c.mu.Unlock()
		case <-timeout:
			c.mu.Lock()
			c.s.handleTimeout(c.cfg.Now())
			c.mu.Unlock()
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context, conn PacketConn, rx chan<- []byte) {
	defer close(rx)
	buf := make([]byte, c.cfg.BufferSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("DHCPv6: read error", "interface", c.cfg.Interface, "err", err)
			}
			return
		}
		select {
		case rx <- bytes.Clone(buf[:n]):
		case <-ctx.Done():
			return
		}
	}
}
