// Package port picks free TCP ports for runtimes the harness launches.
package port

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

// Default range used for management endpoints of launched runtimes.
const (
	DefaultMin = 20000
	DefaultMax = 29999
)

// Allocator hands out ports from a fixed range, at most one per owner.
type Allocator struct {
	mu        sync.Mutex
	host      string
	minPort   int
	maxPort   int
	allocated map[string]int // owner → port
	usedPorts map[int]string // port → owner
}

// NewAllocator creates an allocator for ports in [minPort, maxPort] on the
// loopback interface.
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{
		host:      "127.0.0.1",
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[string]int),
		usedPorts: make(map[int]string),
	}
}

// Allocate picks a port that is currently free for owner. Allocating again
// for the same owner returns the same port.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[owner]; ok {
		return port, nil
	}

	rangeSize := a.maxPort - a.minPort + 1
	if len(a.usedPorts) >= rangeSize {
		return 0, fmt.Errorf("port range exhausted (%d-%d)", a.minPort, a.maxPort)
	}

	for attempts := 0; attempts < rangeSize*2; attempts++ {
		if port := a.minPort + rand.IntN(rangeSize); a.claim(owner, port) {
			return port, nil
		}
	}
	for port := a.minPort; port <= a.maxPort; port++ {
		if a.claim(owner, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

func (a *Allocator) claim(owner string, port int) bool {
	if _, taken := a.usedPorts[port]; taken || !a.available(port) {
		return false
	}
	a.allocated[owner] = port
	a.usedPorts[port] = owner
	return true
}

// Release frees owner's port.
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[owner]; ok {
		delete(a.usedPorts, port)
		delete(a.allocated, owner)
	}
}

// Port returns owner's port, or 0 if none.
func (a *Allocator) Port(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[owner]
}

func (a *Allocator) available(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
