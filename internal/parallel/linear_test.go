package parallel

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/coldreason/oslo-custom/internal/dist"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

func newRandomDense(t *testing.T, in, out int, bias bool, seed int64) *nn.Dense {
	t.Helper()
	d := nn.NewDense(in, out, bias)
	tensor.FillRand(d.Weight, seed)
	if bias {
		tensor.FillRandVec(d.Bias, seed+1)
	}
	return d
}

func approxEqual(t *testing.T, got, want []float32, tol float64, label string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", label, len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("%s: element %d = %v, want %v", label, i, got[i], want[i])
		}
	}
}

func TestColumnParallelConcatMatchesDense(t *testing.T) {
	const in, out = 12, 24
	src := newRandomDense(t, in, out, true, 7)
	x := make([]float32, in)
	tensor.FillRandVec(x, 9)

	want := make([]float32, out)
	if err := src.Forward(context.Background(), want, x); err != nil {
		t.Fatalf("dense forward: %v", err)
	}

	for _, world := range []int{1, 2, 4} {
		g, err := dist.NewGroup(world)
		if err != nil {
			t.Fatalf("NewGroup(%d): %v", world, err)
		}

		parts := make([][]float32, world)
		for r := 0; r < world; r++ {
			comm, _ := g.Rank(r)
			col, err := NewColumnParallelLinear(src, comm)
			if err != nil {
				t.Fatalf("world %d rank %d: %v", world, r, err)
			}
			if col.InFeatures() != in || col.OutFeatures() != out/world {
				t.Fatalf("world %d rank %d: features %d/%d", world, r, col.InFeatures(), col.OutFeatures())
			}
			part := make([]float32, out/world)
			if err := col.Forward(context.Background(), part, x); err != nil {
				t.Fatalf("world %d rank %d forward: %v", world, r, err)
			}
			parts[r] = part
		}
		g.Close()

		// Column-parallel forward is a pure row subset of the dense matmul,
		// so the concatenation must match bit for bit.
		got := tensor.ConcatVecs(parts...)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("world %d element %d = %v, want %v", world, i, got[i], want[i])
			}
		}
	}
}

func TestColumnRowComposition(t *testing.T) {
	// fc_in (column) feeding fc_out (row) must reproduce the dense chain on
	// every rank after the all-reduce.
	const hidden, inner = 8, 16
	fcIn := newRandomDense(t, hidden, inner, true, 11)
	fcOut := newRandomDense(t, inner, hidden, true, 13)

	x := make([]float32, hidden)
	tensor.FillRandVec(x, 17)

	mid := make([]float32, inner)
	want := make([]float32, hidden)
	if err := fcIn.Forward(context.Background(), mid, x); err != nil {
		t.Fatalf("fc_in: %v", err)
	}
	if err := fcOut.Forward(context.Background(), want, mid); err != nil {
		t.Fatalf("fc_out: %v", err)
	}

	for _, world := range []int{1, 2, 4} {
		g, err := dist.NewGroup(world)
		if err != nil {
			t.Fatalf("NewGroup(%d): %v", world, err)
		}

		results := make([][]float32, world)
		errs := make([]error, world)
		var wg sync.WaitGroup
		for r := 0; r < world; r++ {
			comm, _ := g.Rank(r)
			col, err := NewColumnParallelLinear(fcIn, comm)
			if err != nil {
				t.Fatalf("column rank %d: %v", r, err)
			}
			row, err := NewRowParallelLinear(fcOut, comm)
			if err != nil {
				t.Fatalf("row rank %d: %v", r, err)
			}
			if col.OutFeatures() != row.InFeatures() {
				t.Fatalf("rank %d: widths %d vs %d", r, col.OutFeatures(), row.InFeatures())
			}
			wg.Add(1)
			go func(r int, col *ColumnParallelLinear, row *RowParallelLinear) {
				defer wg.Done()
				h := make([]float32, col.OutFeatures())
				y := make([]float32, row.OutFeatures())
				if err := col.Forward(context.Background(), h, x); err != nil {
					errs[r] = err
					return
				}
				if err := row.Forward(context.Background(), y, h); err != nil {
					errs[r] = err
					return
				}
				results[r] = y
			}(r, col, row)
		}
		wg.Wait()
		g.Close()

		for r := 0; r < world; r++ {
			if errs[r] != nil {
				t.Fatalf("world %d rank %d: %v", world, r, errs[r])
			}
			approxEqual(t, results[r], want, 1e-5, "composed output")
		}

		// All ranks see the identical reduction result.
		for r := 1; r < world; r++ {
			for i := range results[0] {
				if results[r][i] != results[0][i] {
					t.Fatalf("world %d: rank %d element %d differs from rank 0", world, r, i)
				}
			}
		}
	}
}

func TestRowParallelBiasAddedOnce(t *testing.T) {
	// Zero weights isolate the bias path: the full bias must appear exactly
	// once in the reduced output, not once per rank.
	const in, out = 8, 4
	src := nn.NewDense(in, out, true)
	for i := range src.Bias {
		src.Bias[i] = float32(i + 1)
	}

	const world = 2
	g, err := dist.NewGroup(world)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	x := make([]float32, in)
	for i := range x {
		x[i] = 1
	}

	results := make([][]float32, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		comm, _ := g.Rank(r)
		row, err := NewRowParallelLinear(src, comm)
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
		wg.Add(1)
		go func(r int, row *RowParallelLinear) {
			defer wg.Done()
			y := make([]float32, out)
			if err := row.Forward(context.Background(), y, x[:row.InFeatures()]); err != nil {
				t.Errorf("rank %d: %v", r, err)
				return
			}
			results[r] = y
		}(r, row)
	}
	wg.Wait()

	for r := 0; r < world; r++ {
		for i := range results[r] {
			if results[r][i] != float32(i+1) {
				t.Fatalf("rank %d element %d = %v, want %v", r, i, results[r][i], float32(i+1))
			}
		}
	}
}

func TestVocabParallelEmbedding(t *testing.T) {
	const vocab, dim = 8, 4
	src := nn.NewEmbedding(vocab, dim)
	tensor.FillRand(src.Weight, 23)

	for _, world := range []int{1, 2, 4} {
		g, err := dist.NewGroup(world)
		if err != nil {
			t.Fatalf("NewGroup(%d): %v", world, err)
		}

		embs := make([]*VocabParallelEmbedding, world)
		for r := 0; r < world; r++ {
			comm, _ := g.Rank(r)
			embs[r], err = NewVocabParallelEmbedding(src, comm)
			if err != nil {
				t.Fatalf("world %d rank %d: %v", world, r, err)
			}
			lo, hi := embs[r].Bounds()
			if hi-lo != vocab/world {
				t.Fatalf("world %d rank %d: bounds [%d,%d)", world, r, lo, hi)
			}
		}

		for id := 0; id < vocab; id++ {
			results := make([][]float32, world)
			errs := make([]error, world)
			var wg sync.WaitGroup
			for r := 0; r < world; r++ {
				wg.Add(1)
				go func(r int) {
					defer wg.Done()
					dst := make([]float32, dim)
					errs[r] = embs[r].Lookup(context.Background(), dst, id)
					results[r] = dst
				}(r)
			}
			wg.Wait()
			for r := 0; r < world; r++ {
				if errs[r] != nil {
					t.Fatalf("world %d rank %d id %d: %v", world, r, id, errs[r])
				}
				approxEqual(t, results[r], src.Weight.Row(id), 1e-6, "embedding row")
			}
		}
		g.Close()
	}
}

func TestVocabParallelOutOfRange(t *testing.T) {
	src := nn.NewEmbedding(8, 4)
	g, err := dist.NewGroup(1)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()
	comm, _ := g.Rank(0)
	emb, err := NewVocabParallelEmbedding(src, comm)
	if err != nil {
		t.Fatalf("NewVocabParallelEmbedding: %v", err)
	}
	dst := make([]float32, 4)
	if err := emb.Lookup(context.Background(), dst, 8); err == nil {
		t.Fatal("lookup of id 8 in vocab 8 succeeded")
	}
	if err := emb.Lookup(context.Background(), dst, -1); err == nil {
		t.Fatal("lookup of id -1 succeeded")
	}
}

func TestVocabParallelNonOwnerContributesZeros(t *testing.T) {
	// A rank that does not own the id must contribute the exact zero
	// vector to the reduction, even into a dirty buffer.
	const vocab, dim = 8, 4
	src := nn.NewEmbedding(vocab, dim)
	tensor.FillRand(src.Weight, 29)

	g, err := dist.NewGroup(2)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()

	comm, _ := g.Rank(1)
	emb, err := NewVocabParallelEmbedding(src, comm)
	if err != nil {
		t.Fatalf("NewVocabParallelEmbedding: %v", err)
	}
	lo, hi := emb.Bounds()
	if lo != vocab/2 || hi != vocab {
		t.Fatalf("rank 1 bounds [%d,%d)", lo, hi)
	}

	dst := make([]float32, dim)
	for i := range dst {
		dst[i] = 42
	}
	emb.localLookup(dst, 0) // owned by rank 0
	for i, v := range dst {
		if v != 0 {
			t.Fatalf("non-owner contribution element %d = %v, want exact 0", i, v)
		}
	}
}

func TestShardConstructorsRejectIndivisible(t *testing.T) {
	g, err := dist.NewGroup(3)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	defer g.Close()
	comm, _ := g.Rank(0)

	if _, err := NewColumnParallelLinear(nn.NewDense(4, 8, false), comm); err == nil {
		t.Fatal("column shard of 8 rows across 3 ranks succeeded")
	}
	if _, err := NewRowParallelLinear(nn.NewDense(8, 4, false), comm); err == nil {
		t.Fatal("row shard of 8 cols across 3 ranks succeeded")
	}
	if _, err := NewVocabParallelEmbedding(nn.NewEmbedding(8, 4), comm); err == nil {
		t.Fatal("vocab shard of 8 rows across 3 ranks succeeded")
	}
}
