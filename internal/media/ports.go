package media

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPoolExhausted is returned when no relay ports remain. Callers reject
// the triggering INVITE with 503.
var ErrPoolExhausted = errors.New("rtp port pool exhausted")

// PortPool hands out even RTP ports from a configured range. Each call
// consumes the pair (p, p+1) for RTP and RTCP. Allocation takes the lowest
// free port; releases keep the free list sorted so allocation order is
// deterministic.
type PortPool struct {
	mu    sync.Mutex
	free  []int          // sorted, even ports only
	inUse map[int]string // rtp port -> call_id
}

// NewPortPool creates a pool covering [min, max]. min must be even; the
// last usable pair is (max-1, max) when max is odd.
func NewPortPool(min, max int) *PortPool {
	var free []int
	for p := min; p+1 <= max; p += 2 {
		free = append(free, p)
	}
	return &PortPool{
		free:  free,
		inUse: make(map[int]string),
	}
}

// Allocate reserves the lowest free port pair for a call and returns the
// RTP port p; the RTCP port is p+1.
func (pp *PortPool) Allocate(callID string) (int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if len(pp.free) == 0 {
		return 0, ErrPoolExhausted
	}
	port := pp.free[0]
	pp.free = pp.free[1:]
	pp.inUse[port] = callID
	return port, nil
}

// Release returns a port pair to the pool. Releasing a port that is not
// allocated is an error so double-releases surface in tests.
func (pp *PortPool) Release(port int) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if _, ok := pp.inUse[port]; !ok {
		return fmt.Errorf("releasing unallocated rtp port %d", port)
	}
	delete(pp.inUse, port)

	i := sort.SearchInts(pp.free, port)
	pp.free = append(pp.free, 0)
	copy(pp.free[i+1:], pp.free[i:])
	pp.free[i] = port
	return nil
}

// FreeCount returns the number of available port pairs.
func (pp *PortPool) FreeCount() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.free)
}

// InUseCount returns the number of allocated port pairs.
func (pp *PortPool) InUseCount() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.inUse)
}
