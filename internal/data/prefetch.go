package data

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/adaround/internal/tensor"
)

// Prefetcher pulls batches from an underlying Source on a background
// goroutine and hands them out in order through a bounded buffer.
type Prefetcher struct {
	out    chan tensor.Tensor
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Prefetch starts reading from src with up to depth batches buffered. The
// underlying source is only touched by the background goroutine. Call Close
// to stop it.
func Prefetch(ctx context.Context, src Source, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Prefetcher{
		out:    make(chan tensor.Tensor, depth),
		cancel: cancel,
		group:  g,
	}
	g.Go(func() error {
		defer close(p.out)
		for {
			b, err := src.Next(gctx)
			if err != nil {
				return err
			}
			select {
			case p.out <- b:
			case <-gctx.Done():
				return nil
			}
		}
	})
	return p
}

// Next blocks until the next batch is ready.
func (p *Prefetcher) Next(ctx context.Context) (tensor.Tensor, error) {
	select {
	case b, ok := <-p.out:
		if ok {
			return b, nil
		}
		if err := p.group.Wait(); err != nil {
			return tensor.Tensor{}, err
		}
		return tensor.Tensor{}, context.Canceled
	case <-ctx.Done():
		return tensor.Tensor{}, ctx.Err()
	}
}

// Close stops the background reader and waits for it to exit.
func (p *Prefetcher) Close() error {
	p.cancel()
	for range p.out {
	}
	err := p.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
