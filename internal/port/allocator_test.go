package port

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateInRange(t *testing.T) {
	a := NewAllocator(20000, 20100)
	port, err := a.Allocate("runtime")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 20000)
	assert.LessOrEqual(t, port, 20100)
	assert.Equal(t, port, a.Port("runtime"))
}

func TestAllocateIdempotent(t *testing.T) {
	a := NewAllocator(20000, 20100)
	p1, err := a.Allocate("runtime")
	require.NoError(t, err)
	p2, err := a.Allocate("runtime")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestAllocateDistinctOwners(t *testing.T) {
	a := NewAllocator(20000, 20100)
	p1, err := a.Allocate("a")
	require.NoError(t, err)
	p2, err := a.Allocate("b")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestReleaseAndReuse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	a := NewAllocator(free, free)
	p1, err := a.Allocate("a")
	require.NoError(t, err)
	assert.Equal(t, free, p1)

	_, err = a.Allocate("b")
	assert.Error(t, err, "single port range is exhausted")

	a.Release("a")
	assert.Zero(t, a.Port("a"))
	p2, err := a.Allocate("b")
	require.NoError(t, err)
	assert.Equal(t, free, p2)
}

func TestSkipsPortsInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	a := NewAllocator(busy, busy)
	_, err = a.Allocate("a")
	assert.Error(t, err, "port "+strconv.Itoa(busy)+" is bound elsewhere")
}
