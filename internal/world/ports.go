package world

import (
	"errors"
	"sync"
)

// ErrNoAvailablePorts is returned when every port in the requested pool is
// taken.
var ErrNoAvailablePorts = errors.New("no available ports")

// PortAllocator hands out server-side listen ports for reverse forwards
// from two independent pools: one for web forwards, one for everything
// else. Each pool rotates through its range so freshly released ports are
// not immediately reused while the OS may still hold them in TIME_WAIT.
type PortAllocator struct {
	web   *portRange
	other *portRange
}

// NewPortAllocator builds an allocator over two inclusive port ranges.
func NewPortAllocator(webStart, webEnd, otherStart, otherEnd uint16) *PortAllocator {
	return &PortAllocator{
		web:   newPortRange(webStart, webEnd),
		other: newPortRange(otherStart, otherEnd),
	}
}

// AllocateWeb takes a port from the web pool.
func (a *PortAllocator) AllocateWeb() (*RemotePort, error) {
	return a.web.allocate()
}

// Allocate takes a port from the general pool.
func (a *PortAllocator) Allocate() (*RemotePort, error) {
	return a.other.allocate()
}

// RemotePort is an allocated port handle. Release returns the port to its
// pool; calling it more than once is safe and releases only once.
type RemotePort struct {
	value uint16
	pool  *portRange
	once  sync.Once
}

// Value is the allocated port number.
func (p *RemotePort) Value() uint16 {
	return p.value
}

// Release returns the port to its pool. Idempotent.
func (p *RemotePort) Release() {
	p.once.Do(func() {
		p.pool.release(p.value)
	})
}

// portRange is one pool: an inclusive range, a taken set, and a rotating
// cursor marking where the next scan starts.
type portRange struct {
	mu    sync.Mutex
	start uint16
	end   uint16
	next  uint16
	used  map[uint16]bool
}

func newPortRange(start, end uint16) *portRange {
	return &portRange{
		start: start,
		end:   end,
		next:  start,
		used:  make(map[uint16]bool),
	}
}

func (r *portRange) allocate() (*RemotePort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := int(r.end) - int(r.start) + 1
	p := r.next
	for i := 0; i < size; i++ {
		if !r.used[p] {
			r.used[p] = true
			r.next = r.successor(p)
			return &RemotePort{value: p, pool: r}, nil
		}
		p = r.successor(p)
	}
	return nil, ErrNoAvailablePorts
}

func (r *portRange) release(p uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.used, p)
}

func (r *portRange) successor(p uint16) uint16 {
	if p >= r.end {
		return r.start
	}
	return p + 1
}
