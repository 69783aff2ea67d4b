// Package lease holds the prefix delegation lease table of one client
// session.
//
// Each slot is either empty or holds a registered lease; a registered lease
// with no current delegation is "unleased". Expiry is lazy: a lease whose
// valid lifetime has passed is reported unleased by the query methods and
// reverted by Expire, never evicted.
package lease

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

var (
	// ErrNoFreeSlot is returned when every slot is registered.
	ErrNoFreeSlot = errors.New("lease: no free slot")
	// ErrDuplicate is returned when the ID is already registered.
	ErrDuplicate = errors.New("lease: already registered")
	// ErrUnknown is returned when the ID is not registered.
	ErrUnknown = errors.New("lease: not registered")
	// ErrIfIndexRange is returned for interface indexes an ID cannot hold.
	ErrIfIndexRange = errors.New("lease: interface index out of range")
)

// MaxIfIndex is the largest interface index an ID can carry.
const MaxIfIndex = 0xffff

// IATypePD tags prefix delegation leases.
const IATypePD = uint16(dhcp6.OptionIAPD)

// ID packs the downstream interface index and IA type. It doubles as the
// IAID sent to the server.
type ID uint32

// NewID builds an ID from an interface index and IA type. Indexes above
// MaxIfIndex are truncated; callers check with CheckIfIndex first.
func NewID(ifindex int, iaType uint16) ID {
	return ID(uint32(ifindex)<<16 | uint32(iaType))
}

// CheckIfIndex reports whether ifindex fits an ID.
func CheckIfIndex(ifindex int) error {
	if ifindex < 1 || ifindex > MaxIfIndex {
		return fmt.Errorf("%w: %d", ErrIfIndexRange, ifindex)
	}
	return nil
}

// IfIndex returns the interface index part.
func (id ID) IfIndex() int { return int(uint32(id) >> 16) }

// IAType returns the IA type part.
func (id ID) IAType() uint16 { return uint16(id) }

func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.IfIndex(), id.IAType())
}

// Lease is one delegated prefix slot.
type Lease struct {
	ID        ID
	Interface string // downstream interface the prefix is for
	// PrefixLength is the length hint sent in SOLICIT; 0 sends none.
	PrefixLength int

	Leased            bool
	Prefix            netip.Prefix
	PreferredLifetime uint32 // seconds
	ValidLifetime     uint32 // seconds
	Obtained          time.Time
}

// Expires returns when the valid lifetime runs out. The zero time means
// never.
func (l *Lease) Expires() time.Time {
	if l.ValidLifetime == dhcp6.Infinity {
		return time.Time{}
	}
	return l.Obtained.Add(time.Duration(l.ValidLifetime) * time.Second)
}

// ActiveAt reports whether the lease holds a prefix that is still valid.
func (l *Lease) ActiveAt(now time.Time) bool {
	if !l.Leased {
		return false
	}
	exp := l.Expires()
	return exp.IsZero() || now.Before(exp)
}

type slot struct {
	used  bool
	lease Lease
}

// Table is a fixed-capacity lease table. It is safe for concurrent use; the
// owning session is the only writer.
type Table struct {
	mu    sync.Mutex
	slots []slot
}

// NewTable returns an empty table with the given capacity.
func NewTable(capacity int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	return &Table{slots: make([]slot, capacity)}
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int { return len(t.slots) }

// Len returns the number of registered leases.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].used {
			n++
		}
	}
	return n
}

// Register adds an unleased entry for a downstream interface.
func (t *Table) Register(id ID, iface string, prefixLength int) error {
	if prefixLength < 0 || prefixLength > 128 {
		return fmt.Errorf("lease %s: prefix length %d out of range", id, prefixLength)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	free := -1
	for i := range t.slots {
		if !t.slots[i].used {
			if free < 0 {
				free = i
			}
			continue
		}
		if t.slots[i].lease.ID == id {
			return fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
	}
	if free < 0 {
		return fmt.Errorf("%w: capacity %d", ErrNoFreeSlot, len(t.slots))
	}
	t.slots[free] = slot{used: true, lease: Lease{ID: id, Interface: iface, PrefixLength: prefixLength}}
	return nil
}

func (t *Table) find(id ID) *Lease {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].lease.ID == id {
			return &t.slots[i].lease
		}
	}
	return nil
}

// Get returns a copy of the lease.
func (t *Table) Get(id ID) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l := t.find(id); l != nil {
		return *l, true
	}
	return Lease{}, false
}

// Bind records a delegation.
func (t *Table) Bind(id ID, prefix netip.Prefix, preferred, valid uint32, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.find(id)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	l.Leased = true
	l.Prefix = prefix.Masked()
	l.PreferredLifetime = preferred
	l.ValidLifetime = valid
	l.Obtained = now
	return nil
}

// Release reverts the lease to unleased.
func (t *Table) Release(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.find(id)
	if l == nil {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	unbind(l)
	return nil
}

// ReleaseAll reverts every lease to unleased.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].used {
			unbind(&t.slots[i].lease)
		}
	}
}

func unbind(l *Lease) {
	l.Leased = false
	l.Prefix = netip.Prefix{}
	l.PreferredLifetime = 0
	l.ValidLifetime = 0
	l.Obtained = time.Time{}
}

// Expire reverts leases whose valid lifetime passed and returns them as they
// were before reverting.
func (t *Table) Expire(now time.Time) []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []Lease
	for i := range t.slots {
		l := &t.slots[i].lease
		if t.slots[i].used && l.Leased && !l.ActiveAt(now) {
			expired = append(expired, *l)
			unbind(l)
		}
	}
	return expired
}

// All returns copies of every registered lease in slot order.
func (t *Table) All() []Lease {
	return t.filter(func(*Lease) bool { return true })
}

// Leased returns the leases holding a valid prefix at now.
func (t *Table) Leased(now time.Time) []Lease {
	return t.filter(func(l *Lease) bool { return l.ActiveAt(now) })
}

// Unleased returns the registered leases without a valid prefix at now.
func (t *Table) Unleased(now time.Time) []Lease {
	return t.filter(func(l *Lease) bool { return !l.ActiveAt(now) })
}

func (t *Table) filter(keep func(*Lease) bool) []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []Lease
	for i := range t.slots {
		if t.slots[i].used && keep(&t.slots[i].lease) {
			result = append(result, t.slots[i].lease)
		}
	}
	return result
}

// LatestExpiry returns when the last active lease expires. ok is false when
// nothing is active; a zero time with ok true means some lease never expires.
func (t *Table) LatestExpiry(now time.Time) (exp time.Time, ok bool) {
	for _, l := range t.Leased(now) {
		e := l.Expires()
		if e.IsZero() {
			return time.Time{}, true
		}
		if !ok || e.After(exp) {
			exp = e
			ok = true
		}
	}
	return exp, ok
}
