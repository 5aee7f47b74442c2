// Package dist provides the collective-communication primitives used by the
// parallel modules. A Group is the in-process realization of a tensor-parallel
// device group: one goroutine per rank, synchronous rendezvous collectives.
// The Comm interface surface is the seam where an NCCL/MPI style transport
// would plug in for multi-host execution.
package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by collectives issued on a closed group.
	ErrClosed = errors.New("dist: group closed")
	// ErrTimeout wraps context expiry inside a collective. A group that has
	// timed out is in an undefined state: the caller must close it and
	// discard every replica that was communicating through it.
	ErrTimeout = errors.New("dist: collective timed out")
)

type opKind int

const (
	opAllReduceSum opKind = iota
	opAllGatherU64
)

func (k opKind) String() string {
	switch k {
	case opAllReduceSum:
		return "all-reduce-sum"
	case opAllGatherU64:
		return "all-gather-u64"
	default:
		return "unknown"
	}
}

type request struct {
	kind opKind
	rank int
	buf  []float32 // opAllReduceSum: in/out
	val  uint64    // opAllGatherU64: in
	out  []uint64  // opAllGatherU64: out, length worldSize
	done chan error
}

// Group coordinates a fixed set of ranks. All collectives block until every
// rank of the group has issued the matching call.
type Group struct {
	world     int
	reqs      chan request
	quit      chan struct{}
	closeOnce sync.Once
}

// NewGroup creates a device group with the given world size and starts its
// coordinator.
func NewGroup(worldSize int) (*Group, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("dist: world size must be positive, got %d", worldSize)
	}
	g := &Group{
		world: worldSize,
		reqs:  make(chan request, worldSize),
		quit:  make(chan struct{}),
	}
	go g.run()
	return g, nil
}

// WorldSize returns the number of ranks in the group.
func (g *Group) WorldSize() int { return g.world }

// Rank returns the communicator handle for one rank. Each rank's goroutine
// owns exactly one Comm; a Comm must not issue concurrent collectives.
func (g *Group) Rank(rank int) (*Comm, error) {
	if rank < 0 || rank >= g.world {
		return nil, errors.Errorf("dist: rank %d out of range [0,%d)", rank, g.world)
	}
	return &Comm{group: g, rank: rank}, nil
}

// Close shuts the group down. Pending and future collectives fail with
// ErrClosed.
func (g *Group) Close() {
	g.closeOnce.Do(func() { close(g.quit) })
}

func (g *Group) run() {
	pending := make([]*request, g.world)
	n := 0
	for {
		select {
		case <-g.quit:
			for _, r := range pending {
				if r != nil {
					r.done <- ErrClosed
				}
			}
			return
		case req := <-g.reqs:
			if pending[req.rank] != nil {
				req.done <- errors.Errorf("dist: rank %d issued a collective while one is pending", req.rank)
				continue
			}
			r := req
			pending[req.rank] = &r
			n++
			if n == g.world {
				g.complete(pending)
				for i := range pending {
					pending[i] = nil
				}
				n = 0
			}
		}
	}
}

// complete resolves one rendezvous round. Summation is performed in rank
// order so the result is identical and deterministic on every rank.
func (g *Group) complete(pending []*request) {
	kind := pending[0].kind
	for _, r := range pending[1:] {
		if r.kind != kind {
			g.fail(pending, errors.Errorf("dist: mismatched collectives in one round: %s vs %s", kind, r.kind))
			return
		}
	}

	switch kind {
	case opAllReduceSum:
		width := len(pending[0].buf)
		for _, r := range pending[1:] {
			if len(r.buf) != width {
				g.fail(pending, errors.Errorf("dist: all-reduce length mismatch: %d vs %d", len(r.buf), width))
				return
			}
		}
		sum := make([]float32, width)
		for _, r := range pending {
			for i, v := range r.buf {
				sum[i] += v
			}
		}
		for _, r := range pending {
			copy(r.buf, sum)
		}
	case opAllGatherU64:
		vals := make([]uint64, g.world)
		for _, r := range pending {
			vals[r.rank] = r.val
		}
		for _, r := range pending {
			copy(r.out, vals)
		}
	}

	for _, r := range pending {
		r.done <- nil
	}
}

func (g *Group) fail(pending []*request, err error) {
	for _, r := range pending {
		r.done <- err
	}
}

// Comm is one rank's handle on the group.
type Comm struct {
	group *Group
	rank  int
}

// Rank returns this communicator's ordinal within the group.
func (c *Comm) Rank() int { return c.rank }

// WorldSize returns the size of the group.
func (c *Comm) WorldSize() int { return c.group.world }

// AllReduceSum sums x element-wise across all ranks, leaving the identical
// result in x on every rank. Blocks until every rank arrives. On context
// expiry the group must be closed and its replicas discarded; the buffer may
// still be written by a late-completing round.
func (c *Comm) AllReduceSum(ctx context.Context, x []float32) error {
	return c.issue(ctx, request{kind: opAllReduceSum, rank: c.rank, buf: x})
}

// AllGatherUint64 gathers one value per rank, returning the values indexed
// by rank. Every rank receives the identical slice contents.
func (c *Comm) AllGatherUint64(ctx context.Context, v uint64) ([]uint64, error) {
	out := make([]uint64, c.group.world)
	if err := c.issue(ctx, request{kind: opAllGatherU64, rank: c.rank, val: v, out: out}); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Comm) issue(ctx context.Context, req request) error {
	req.done = make(chan error, 1)
	select {
	case c.group.reqs <- req:
	case <-c.group.quit:
		return ErrClosed
	case <-ctx.Done():
		return errors.Wrapf(ErrTimeout, "rank %d: %v", c.rank, ctx.Err())
	}
	select {
	case err := <-req.done:
		return err
	case <-c.group.quit:
		return ErrClosed
	case <-ctx.Done():
		return errors.Wrapf(ErrTimeout, "rank %d: %v", c.rank, ctx.Err())
	}
}
