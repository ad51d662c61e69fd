// Package data supplies calibration batches.
package data

import (
	"context"
	"errors"
	"math/rand"

	"github.com/samcharles93/adaround/internal/tensor"
)

var ErrEmpty = errors.New("data: source has no batches")

// Source yields calibration batches. Next blocks until a batch is available.
type Source interface {
	Next(ctx context.Context) (tensor.Tensor, error)
}

// Cycle repeats a fixed set of batches forever. When Shuffle is set, every
// epoch visits the batches in a new order drawn from the seed, so two Cycles
// built with the same batches and seed yield identical sequences.
type Cycle struct {
	batches []tensor.Tensor
	shuffle bool
	rng     *rand.Rand
	order   []int
	pos     int
	epoch   int
}

// NewCycle returns a Cycle over batches. It fails if batches is empty.
func NewCycle(batches []tensor.Tensor, seed int64, shuffle bool) (*Cycle, error) {
	if len(batches) == 0 {
		return nil, ErrEmpty
	}
	c := &Cycle{
		batches: batches,
		shuffle: shuffle,
		rng:     rand.New(rand.NewSource(seed)),
		order:   make([]int, len(batches)),
	}
	c.reset()
	return c, nil
}

func (c *Cycle) reset() {
	for i := range c.order {
		c.order[i] = i
	}
	if c.shuffle {
		c.rng.Shuffle(len(c.order), func(i, j int) {
			c.order[i], c.order[j] = c.order[j], c.order[i]
		})
	}
	c.pos = 0
}

func (c *Cycle) Next(ctx context.Context) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}
	if c.pos == len(c.order) {
		c.epoch++
		c.reset()
	}
	b := c.batches[c.order[c.pos]]
	c.pos++
	return b, nil
}

// Epoch returns how many times the batch set has wrapped around.
func (c *Cycle) Epoch() int { return c.epoch }

// Len returns the number of distinct batches.
func (c *Cycle) Len() int { return len(c.batches) }
