package aprs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oh8fks/aprsmap/pkg/logger"
)

// Collector accumulates classified packets and commits them in batches.
// A flush happens when the count threshold is reached, when the batch has
// sat idle, or when the spread between the first and last packet grows too
// large (keeps latency bounded under load). Commit order always matches
// arrival order within a batch, which marker and tail continuity depend on.
type Collector struct {
	store     PacketStore
	stations  StationStore
	batchSize int
	idleFlush time.Duration
	maxSpread time.Duration
	logger    *logger.Logger

	mu         sync.Mutex
	pending    []*Packet // arrival order; flushed as-is
	firstAdded time.Time
	lastAdded  time.Time

	committed int64
}

// NewCollector creates a batch commit coordinator.
func NewCollector(store PacketStore, stations StationStore, batchSize int, idleFlush, maxSpread time.Duration, log *logger.Logger) *Collector {
	return &Collector{
		store:     store,
		stations:  stations,
		batchSize: batchSize,
		idleFlush: idleFlush,
		maxSpread: maxSpread,
		logger:    log.Named("collector"),
	}
}

// Add queues a classified packet. Returns a connectivity error when the
// triggered flush hits one; any other flush failure leaves the batch queued
// for retry and is not an Add error.
func (c *Collector) Add(ctx context.Context, p *Packet) error {
	c.mu.Lock()
	now := time.Now()
	if len(c.pending) == 0 {
		c.firstAdded = now
	}
	c.pending = append(c.pending, p)
	c.lastAdded = now

	shouldFlush := len(c.pending) >= c.batchSize || now.Sub(c.firstAdded) > c.maxSpread
	c.mu.Unlock()

	if shouldFlush {
		return c.flush(ctx)
	}
	return nil
}

// Run flushes idle batches until the context is cancelled. A connectivity
// error stops the loop and is returned: partial state is unsafe to continue
// from, the caller must reconnect and restart.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain; best effort.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.flush(flushCtx)
			cancel()
			if err != nil {
				c.logger.Error("Final batch flush failed", logger.Error(err))
			}
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			idle := len(c.pending) > 0 && time.Since(c.lastAdded) >= c.idleFlush
			c.mu.Unlock()
			if idle {
				if err := c.flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// Pending returns the number of queued packets.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Committed returns the total number of committed packets.
func (c *Collector) Committed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// flush commits the queued packets. Link updates are applied before the
// inserts inside the same transaction, so a freshly invalidated prior
// packet's class is rewritten atomically with the new rows; station latest
// pointers are updated from the insert results afterwards.
func (c *Collector) flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	commit := &CommitBatch{
		Links:   buildLinkUpdates(batch),
		Packets: batch,
	}

	ids, err := c.store.Commit(ctx, commit)
	if err != nil {
		// The store rolled the transaction back; requeue the batch ahead
		// of anything added meanwhile so arrival order is preserved.
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.firstAdded = time.Now()
		c.mu.Unlock()

		if errors.Is(err, ErrConnectivityLost) {
			return err
		}
		c.logger.Error("Batch commit failed, batch requeued",
			logger.Int("batch_size", len(batch)),
			logger.Error(err))
		return nil
	}

	for i, p := range batch {
		p.ID = ids[i]
	}

	if err := c.stations.UpdateLatestPointers(ctx, batch); err != nil {
		if errors.Is(err, ErrConnectivityLost) {
			return err
		}
		c.logger.Error("Failed to update station latest pointers",
			logger.Int("batch_size", len(batch)),
			logger.Error(err))
	}

	c.mu.Lock()
	c.committed += int64(len(batch))
	c.mu.Unlock()

	c.logger.Debug("Batch committed", logger.Int("batch_size", len(batch)))
	return nil
}

// buildLinkUpdates turns the packets' declared links into class rewrites,
// grouped by target partition and new class.
func buildLinkUpdates(batch []*Packet) []LinkUpdate {
	type key struct {
		partition int64
		class     VisibilityClass
	}
	groups := make(map[key][]int64)

	add := func(targetID, targetTs int64, class VisibilityClass) {
		if targetID == 0 {
			return
		}
		k := key{partition: partitionDay(targetTs), class: class}
		groups[k] = append(groups[k], targetID)
	}

	for _, p := range batch {
		add(p.ReplacesPacketID, p.ReplacesTimestamp, ClassReplaced)
		add(p.ConfirmsPacketID, p.ConfirmsTimestamp, ClassOnMapConfirmed)
		if p.AbnormalPacketID != 0 {
			class := ClassSupersededAcross
			if partitionDay(p.AbnormalTimestamp) == partitionDay(p.Timestamp) {
				class = ClassSupersededSame
			}
			add(p.AbnormalPacketID, p.AbnormalTimestamp, class)
		}
	}

	updates := make([]LinkUpdate, 0, len(groups))
	for k, ids := range groups {
		updates = append(updates, LinkUpdate{
			PartitionTs: k.partition,
			PacketIDs:   ids,
			NewClass:    k.class,
		})
	}
	return updates
}

// partitionDay truncates a unix timestamp to its UTC day boundary.
func partitionDay(ts int64) int64 {
	return ts - ts%86400
}
