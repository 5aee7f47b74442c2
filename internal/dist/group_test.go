package dist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAllReduceSum(t *testing.T) {
	tests := []struct {
		name  string
		world int
	}{
		{"single", 1},
		{"pair", 2},
		{"quad", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGroup(tt.world)
			if err != nil {
				t.Fatalf("NewGroup: %v", err)
			}
			defer g.Close()

			const width = 8
			results := make([][]float32, tt.world)
			var wg sync.WaitGroup
			errs := make([]error, tt.world)
			for r := 0; r < tt.world; r++ {
				comm, err := g.Rank(r)
				if err != nil {
					t.Fatalf("Rank(%d): %v", r, err)
				}
				buf := make([]float32, width)
				for i := range buf {
					buf[i] = float32(r + 1)
				}
				results[r] = buf
				wg.Add(1)
				go func(r int) {
					defer wg.Done()
					errs[r] = comm.AllReduceSum(context.Background(), results[r])
				}(r)
			}
			wg.Wait()

			// Expected: sum over ranks of (rank+1) in every element.
			var want float32
			for r := 0; r < tt.world; r++ {
				want += float32(r + 1)
			}
			for r := 0; r < tt.world; r++ {
				if errs[r] != nil {
					t.Fatalf("rank %d: %v", r, errs[r])
				}
				for i, v := range results[r] {
					if v != want {
						t.Fatalf("rank %d element %d = %v, want %v", r, i, v, want)
					}
				}
			}
		})
	}
}

func TestAllReduceDeterministicAcrossRanks(t *testing.T) {
	// Floating-point summation order matters; all ranks must observe the
	// bit-identical reduction result.
	const world = 4
	g, err := NewGroup(world)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	inputs := [][]float32{
		{1e-8, 1, -1, 3.14},
		{2e-8, -1, 1, 2.71},
		{3e-8, 0.5, 0.25, -1},
		{4e-8, -0.5, -0.25, 1},
	}
	results := make([][]float32, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		comm, _ := g.Rank(r)
		buf := append([]float32(nil), inputs[r]...)
		results[r] = buf
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			_ = comm.AllReduceSum(context.Background(), results[r])
		}(r)
	}
	wg.Wait()

	for r := 1; r < world; r++ {
		for i := range results[0] {
			if results[r][i] != results[0][i] {
				t.Fatalf("rank %d element %d differs from rank 0", r, i)
			}
		}
	}
}

func TestAllGatherUint64(t *testing.T) {
	const world = 3
	g, err := NewGroup(world)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	outs := make([][]uint64, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		comm, _ := g.Rank(r)
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out, err := comm.AllGatherUint64(context.Background(), uint64(100+r))
			if err != nil {
				t.Errorf("rank %d: %v", r, err)
				return
			}
			outs[r] = out
		}(r)
	}
	wg.Wait()

	for r := 0; r < world; r++ {
		for i := 0; i < world; i++ {
			if outs[r][i] != uint64(100+i) {
				t.Fatalf("rank %d saw %v", r, outs[r])
			}
		}
	}
}

func TestCollectiveTimeout(t *testing.T) {
	// Only one of two ranks arrives; its context expires.
	g, err := NewGroup(2)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	comm, _ := g.Rank(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = comm.AllReduceSum(ctx, make([]float32, 4))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestClosedGroup(t *testing.T) {
	g, err := NewGroup(2)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	comm, _ := g.Rank(0)
	g.Close()

	if err := comm.AllReduceSum(context.Background(), make([]float32, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestInvalidConstruction(t *testing.T) {
	if _, err := NewGroup(0); err == nil {
		t.Fatal("NewGroup(0) succeeded")
	}
	g, err := NewGroup(2)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()
	if _, err := g.Rank(2); err == nil {
		t.Fatal("Rank(2) succeeded for world size 2")
	}
	if _, err := g.Rank(-1); err == nil {
		t.Fatal("Rank(-1) succeeded")
	}
}
