// Package capacitytest provides an in-memory capacity counter for tests.
package capacitytest

import (
	"context"
	"fmt"
	"sync"

	"ms-reservations/internal/capacity"
)

type Counter struct {
	mu       sync.Mutex
	limits   map[capacity.Key]int
	reserved map[capacity.Key]int

	// FailRelease, when set, makes Release return its error for the key.
	FailRelease func(key capacity.Key) error
	Reserves    []capacity.Key
	Releases    []capacity.Key
}

func NewCounter() *Counter {
	return &Counter{limits: map[capacity.Key]int{}, reserved: map[capacity.Key]int{}}
}

func (c *Counter) SetLimit(key capacity.Key, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[key] = limit
}

func (c *Counter) Reserved(key capacity.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved[key]
}

func (c *Counter) Reserve(_ context.Context, key capacity.Key, qty int) error {
	if qty <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	limit, ok := c.limits[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, capacity.ErrNotConfigured)
	}
	if c.reserved[key]+qty > limit {
		return capacity.ErrFull
	}
	c.reserved[key] += qty
	c.Reserves = append(c.Reserves, key)
	return nil
}

func (c *Counter) Release(_ context.Context, key capacity.Key, qty int) error {
	if qty <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRelease != nil {
		if err := c.FailRelease(key); err != nil {
			return err
		}
	}
	c.reserved[key] -= qty
	if c.reserved[key] < 0 {
		c.reserved[key] = 0
	}
	c.Releases = append(c.Releases, key)
	return nil
}
