package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var ErrExhausted = errors.New("no free port in range")

// ProbeFunc reports whether a host port can currently be bound.
type ProbeFunc func(port int) bool

// Allocator hands out host ports from a fixed inclusive range. A port is
// never handed to two owners until Release is called for it.
type Allocator struct {
	mu    sync.Mutex
	start int
	end   int
	next  int
	inUse map[int]string
	probe ProbeFunc
}

func NewAllocator(start, end int, probe ProbeFunc) (*Allocator, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start: start,
		end:   end,
		next:  start,
		inUse: make(map[int]string),
		probe: probe,
	}, nil
}

// Reserve scans round-robin from the last handed-out port so freshly
// released ports are not immediately reused.
func (a *Allocator) Reserve(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.end {
			a.next = a.start
		}
		if _, taken := a.inUse[port]; taken {
			continue
		}
		if a.probe != nil && !a.probe(port) {
			continue
		}
		a.inUse[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d-%d (%d in use)", ErrExhausted, a.start, a.end, len(a.inUse))
}

// Claim marks a specific port as taken, for ports still published by
// containers recovered from the engine.
func (a *Allocator) Claim(port int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.start || port > a.end {
		return fmt.Errorf("port %d outside range %d-%d", port, a.start, a.end)
	}
	if curr, taken := a.inUse[port]; taken && curr != owner {
		return fmt.Errorf("port %d already held by %s", port, curr)
	}
	a.inUse[port] = owner
	return nil
}

func (a *Allocator) Release(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.inUse[port]; !taken {
		return false
	}
	delete(a.inUse, port)
	return true
}

func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// TCPProbe reports whether the port can be bound on all interfaces.
func TCPProbe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
