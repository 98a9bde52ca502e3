package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"eqagent/internal/engine/delivery"
	"eqagent/internal/engine/envelope"
	"eqagent/internal/engine/ledger"
	"eqagent/internal/engine/routes"
	"eqagent/internal/platform/central"
	"eqagent/internal/platform/keys"
	"eqagent/internal/platform/models"
)

type Config struct {
	Workers         int
	QueueSize       int
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

// Engine wires the ledger, decryption, route table, forwarder and
// retry scheduler into one control loop. Ingest is decoupled from
// decrypt/forward work through a queue so a slow destination never
// blocks the stream; work for distinct items runs in parallel while
// work for one id is serialized through the in-flight set.
type Engine struct {
	ledger    *ledger.Store
	keys      *keys.Manager
	table     *routes.Table
	routeRepo *routes.Repository
	forwarder *delivery.Forwarder
	retry     *delivery.Scheduler
	central   *central.Client // nil when running without a central service (tests)
	feed      *Feed

	workers int
	queue   chan string

	mu       sync.Mutex
	inflight map[string]bool

	ctx context.Context
	wg  sync.WaitGroup
}

func New(cfg Config, st *ledger.Store, km *keys.Manager, table *routes.Table, repo *routes.Repository, fw *delivery.Forwarder, cc *central.Client, feed *Feed) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if feed == nil {
		feed = NewFeed()
	}

	e := &Engine{
		ledger:    st,
		keys:      km,
		table:     table,
		routeRepo: repo,
		forwarder: fw,
		central:   cc,
		feed:      feed,
		workers:   cfg.Workers,
		queue:     make(chan string, cfg.QueueSize),
		inflight:  make(map[string]bool),
	}
	e.retry = delivery.NewScheduler(cfg.RetryMinBackoff, cfg.RetryMaxBackoff, e.enqueue)
	return e
}

func (e *Engine) Feed() *Feed { return e.feed }

// Start launches the workers and reconciles the ledger: every item
// left ENCRYPTED or UNDELIVERED by a previous run re-enters the
// pipeline before any new stream traffic is accepted.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	leftover, err := e.ledger.ListByState(models.StateEncrypted, models.StateUndelivered)
	if err != nil {
		return fmt.Errorf("reconcile ledger: %w", err)
	}
	if len(leftover) > 0 {
		log.Info().Int("count", len(leftover)).Msg("reconciling items from previous run")
	}
	for _, item := range leftover {
		e.enqueue(item.ID)
	}
	return nil
}

// Shutdown stops the retry timers and waits for in-flight work. The
// context passed to Start must already be cancelled.
func (e *Engine) Shutdown() {
	e.retry.Stop()
	e.wg.Wait()
}

// Ingest persists a freshly received item and hands it to the
// pipeline. A ledger write failure is returned as-is: the caller must
// treat it as fatal, because an unpersisted item must never be acked
// or dropped. A duplicate id is a silent no-op apart from re-acking.
func (e *Engine) Ingest(ctx context.Context, item *models.EncryptedItem) error {
	inserted, err := e.ledger.Put(item)
	if err != nil {
		return err
	}

	if !inserted {
		log.Debug().Str("item", item.ID).Msg("duplicate item, re-acking")
		e.ack(ctx, item.ID)
		return nil
	}

	log.Info().Str("item", item.ID).Str("route", item.RouteID).Msg("item received")
	e.feed.Publish(item.ID, fmt.Sprintf("Received item %s for route %s", item.ID, item.RouteID), true)
	e.ack(ctx, item.ID)
	e.enqueue(item.ID)
	return nil
}

// ack is best-effort: the ledger is the source of truth and a re-sent
// id is idempotent, so a failed ack only costs a duplicate later.
func (e *Engine) ack(ctx context.Context, id string) {
	if e.central == nil {
		return
	}
	if err := e.central.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("item", id).Msg("could not ack item to central service")
		e.feed.Publish(id, fmt.Sprintf("Could not ack %s to the central service, will retry when it is re-sent", id), false)
	}
}

func (e *Engine) enqueue(id string) {
	select {
	case e.queue <- id:
	default:
		// Queue full; park the send in a goroutine so ingest and timer
		// callbacks never block on slow destinations.
		go func() {
			select {
			case e.queue <- id:
			case <-e.ctx.Done():
			}
		}()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.process(id)
		}
	}
}

func (e *Engine) process(id string) {
	e.mu.Lock()
	if e.inflight[id] {
		// Another worker is on this id; its terminal state transition
		// decides what happens next.
		e.mu.Unlock()
		return
	}
	e.inflight[id] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}()

	item, err := e.ledger.Get(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return // deleted while queued
	}
	if err != nil {
		log.Error().Err(err).Str("item", id).Msg("could not load item")
		return
	}
	if item.State == models.StateDelivered {
		return
	}

	msg, err := envelope.Open(item, e.keys)
	if err != nil {
		e.fail(item, false, fmt.Sprintf("could not decrypt: %v", err))
		return
	}

	route, err := e.table.Lookup(item.RouteID)
	if err != nil {
		e.fail(item, false, fmt.Sprintf("unknown route %s: %v", item.RouteID, err))
		return
	}

	log.Info().Str("item", id).Str("destination", route.DestinationURL).Msg("forwarding item")
	result := e.forwarder.Forward(e.ctx, route, msg)

	switch result.Outcome {
	case delivery.Success:
		if err := e.ledger.SetLastError(id, ""); err != nil {
			log.Error().Err(err).Str("item", id).Msg("could not clear last error")
		}
		if err := e.ledger.UpdateState(id, models.StateDelivered); err != nil && !errors.Is(err, ledger.ErrFinalState) {
			log.Error().Err(err).Str("item", id).Msg("could not mark item delivered")
			return
		}
		e.retry.Cancel(id)
		if err := e.routeRepo.TouchLastUsed(route.ID); err != nil {
			log.Error().Err(err).Str("route", route.ID).Msg("could not update route last_used_at")
		}
		log.Info().Str("item", id).Str("destination", route.DestinationURL).Msg("item delivered")
		e.feed.Publish(id, fmt.Sprintf("Delivered %s to %s", id, route.DestinationURL), true)

	case delivery.TransientFailure:
		e.fail(item, true, result.Reason)

	case delivery.PermanentFailure:
		e.fail(item, false, result.Reason)
	}
}

// fail records a failed attempt. Transient failures re-arm the item's
// backoff timer; permanent ones park it until the user retries or
// deletes it.
func (e *Engine) fail(item *models.EncryptedItem, retryable bool, reason string) {
	err := e.ledger.UpdateState(item.ID, models.StateUndelivered)
	if errors.Is(err, ledger.ErrFinalState) || errors.Is(err, ledger.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("item", item.ID).Msg("could not mark item undelivered")
		return
	}
	if err := e.ledger.SetLastError(item.ID, reason); err != nil {
		log.Error().Err(err).Str("item", item.ID).Msg("could not record last error")
	}

	if retryable {
		delay := e.retry.Schedule(item.ID)
		log.Warn().Str("item", item.ID).Str("reason", reason).Dur("retry_in", delay).Msg("delivery failed")
		e.feed.Publish(item.ID, fmt.Sprintf("Could not deliver %s: %s (retrying in %s)", item.ID, reason, delay), true)
	} else {
		e.retry.Cancel(item.ID)
		log.Warn().Str("item", item.ID).Str("reason", reason).Msg("delivery failed permanently")
		e.feed.Publish(item.ID, fmt.Sprintf("Could not deliver %s: %s (manual retry required)", item.ID, reason), true)
	}
}

// ListPending returns every item not yet delivered, oldest first.
func (e *Engine) ListPending() ([]*models.EncryptedItem, error) {
	return e.ledger.ListByState(models.StateEncrypted, models.StateUndelivered)
}

// RequestRetry bypasses any armed backoff timer and attempts the item
// immediately, once, with its backoff reset. Calling it on a delivered
// item is a no-op.
func (e *Engine) RequestRetry(id string) error {
	item, err := e.ledger.Get(id)
	if err != nil {
		return err
	}
	if item.State == models.StateDelivered {
		return nil
	}

	e.retry.Reset(id)
	e.feed.Publish(id, fmt.Sprintf("Manual retry requested for %s", id), false)
	e.enqueue(id)
	return nil
}

// Delete removes an item regardless of state and discards its timer.
func (e *Engine) Delete(id string) error {
	e.retry.Cancel(id)
	if err := e.ledger.Delete(id); err != nil {
		return err
	}
	e.feed.Publish(id, fmt.Sprintf("Deleted %s", id), true)
	return nil
}

// SyncPending pulls any items still queued on the central service
// through the normal ingest path. The UI calls this before showing the
// pending view so nothing sits invisible on the server side.
func (e *Engine) SyncPending(ctx context.Context) error {
	if e.central == nil {
		return nil
	}

	items, err := e.central.PendingCalls(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := e.Ingest(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// RetryPending reports whether a retry timer is armed for the item.
func (e *Engine) RetryPending(id string) bool {
	return e.retry.Pending(id)
}
