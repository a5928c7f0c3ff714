package cache

import (
	"context"
	"log/slog"

	"sacctd/internal/pkg/update"
)

// Distributor drains the ordered update lists produced by committed
// mutations exactly once: each list is applied to the local cache, then
// handed to the forwarders (backup controllers, federated peers) in wire
// form. Lists are delivered in production order.
type Distributor struct {
	cache   *Cache
	logger  *slog.Logger
	ch      chan update.List
	forward []func([]byte)
	done    chan struct{}
}

// NewDistributor builds a distributor with the given queue depth.
func NewDistributor(c *Cache, depth int, logger *slog.Logger) *Distributor {
	if depth <= 0 {
		depth = 64
	}
	return &Distributor{
		cache:  c,
		logger: logger,
		ch:     make(chan update.List, depth),
		done:   make(chan struct{}),
	}
}

// AddForwarder registers a sink for the serialized form of every list.
// Must be called before Run.
func (d *Distributor) AddForwarder(fn func([]byte)) {
	d.forward = append(d.forward, fn)
}

// Dispatch enqueues one list. Blocks when the queue is full rather than
// reorder or drop.
func (d *Distributor) Dispatch(list update.List) {
	if len(list) == 0 {
		return
	}
	d.ch <- list
}

// Run consumes until ctx is cancelled, then drains what is queued.
func (d *Distributor) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case list := <-d.ch:
			d.apply(list)
		case <-ctx.Done():
			for {
				select {
				case list := <-d.ch:
					d.apply(list)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Distributor) Wait() { <-d.done }

func (d *Distributor) apply(list update.List) {
	if err := d.cache.ApplyUpdates(list); err != nil {
		d.logger.Error("update application failed", slog.Any("err", err))
	}
	if len(d.forward) == 0 {
		return
	}
	b, err := update.Marshal(list)
	if err != nil {
		d.logger.Error("update encoding failed", slog.Any("err", err))
		return
	}
	for _, fn := range d.forward {
		fn(b)
	}
}
