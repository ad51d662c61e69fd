package data

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/adaround/internal/tensor"
)

func batches(n int) []tensor.Tensor {
	out := make([]tensor.Tensor, n)
	for i := range out {
		out[i] = tensor.Full(float64(i), 1)
	}
	return out
}

func drain(t *testing.T, src Source, n int) []float64 {
	t.Helper()
	out := make([]float64, n)
	for i := range out {
		b, err := src.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		out[i] = b.Data[0]
	}
	return out
}

func TestCycleWrapsAround(t *testing.T) {
	t.Parallel()
	c, err := NewCycle(batches(3), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, c, 7)
	want := []float64{0, 1, 2, 0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
	if c.Epoch() != 2 {
		t.Fatalf("Epoch = %d, want 2", c.Epoch())
	}
}

func TestCycleShuffleReproducible(t *testing.T) {
	t.Parallel()
	a, _ := NewCycle(batches(10), 42, true)
	b, _ := NewCycle(batches(10), 42, true)
	sa, sb := drain(t, a, 30), drain(t, b, 30)
	for i := range sa {
		if sa[i] != sb[i] {
			t.Fatalf("sequences diverge at %d", i)
		}
	}
	// every epoch is a permutation of the batch set
	seen := map[float64]bool{}
	for _, v := range sa[:10] {
		seen[v] = true
	}
	if len(seen) != 10 {
		t.Fatalf("first epoch is not a permutation: %v", sa[:10])
	}
}

func TestCycleEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewCycle(nil, 1, false); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestCycleHonoursContext(t *testing.T) {
	t.Parallel()
	c, _ := NewCycle(batches(1), 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPrefetchPreservesOrder(t *testing.T) {
	t.Parallel()
	ref, _ := NewCycle(batches(5), 9, true)
	src, _ := NewCycle(batches(5), 9, true)
	p := Prefetch(context.Background(), src, 3)
	want := drain(t, ref, 12)
	got := drain(t, p, 12)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prefetched sequence %v, want %v", got, want)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type failingSource struct{ err error }

func (f failingSource) Next(context.Context) (tensor.Tensor, error) {
	return tensor.Tensor{}, f.err
}

func TestPrefetchSurfacesSourceError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	p := Prefetch(context.Background(), failingSource{err: boom}, 1)
	if _, err := p.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if err := p.Close(); !errors.Is(err, boom) {
		t.Fatalf("Close should report source error, got %v", err)
	}
}
