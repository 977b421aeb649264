// Package engine schedules and delivers stored messages.
//
// The engine mirrors the durable job records with an in-memory trigger set,
// rebuilds that set from the store on startup, and drives deliveries from a
// periodic tick loop. It owns the latest-schedule-wins replacement protocol:
// creating a schedule under a name that already exists in the same chat
// deletes the prior record (sent or unsent) and cancels its trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schedbot/internal/store"
	"schedbot/internal/transport"
	"schedbot/pkg/logx"
)

type Config struct {
	// TickInterval is how often the engine drains due triggers. It bounds
	// delivery latency, not delivery frequency.
	TickInterval time.Duration
	// RecoverRetries and RecoverRetryDelay bound the startup store scan.
	RecoverRetries    int
	RecoverRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.RecoverRetries <= 0 {
		c.RecoverRetries = 3
	}
	if c.RecoverRetryDelay <= 0 {
		c.RecoverRetryDelay = 2 * time.Second
	}
	return c
}

type Engine struct {
	cfg      Config
	log      logx.Logger
	store    store.Store
	tp       transport.Transport
	triggers *Triggers

	// mu serializes the replacement/cancellation protocol so a Create racing
	// a Cancel for the same (destination, name) cannot interleave their
	// delete-then-install sequences.
	mu sync.Mutex
}

func New(cfg Config, st store.Store, tp transport.Transport, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    st,
		tp:       tp,
		triggers: NewTriggers(),
	}
}

// Create stores a new schedule and installs its trigger. If a record with the
// same (destination, schedule name) already exists it is deleted first,
// regardless of whether it has already been sent.
//
// A one-shot time in the past gets no trigger and the record is left pending
// untouched; only recovery marks past-due records completed. Callers are
// expected to validate the time before calling Create.
func (e *Engine) Create(ctx context.Context, rec store.Record) (store.Record, error) {
	rec.Completed = false

	e.mu.Lock()
	defer e.mu.Unlock()

	old, err := e.store.FindByName(ctx, rec.Destination, rec.ScheduleName)
	switch {
	case err == nil:
		if err := e.store.Delete(ctx, old.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.Record{}, fmt.Errorf("replace %q: %w", rec.ScheduleName, err)
		}
		if !old.Completed {
			e.triggers.Cancel(old.ID)
		}
		e.log.Info("auto-deleted existing schedule with same name",
			logx.String("old_id", old.ID), logx.Bool("was_sent", old.Completed),
			logx.String("name", rec.ScheduleName), logx.Int64("destination", rec.Destination))
	case errors.Is(err, store.ErrNotFound):
		// nothing to replace
	default:
		return store.Record{}, fmt.Errorf("lookup %q: %w", rec.ScheduleName, err)
	}

	id, err := e.store.Insert(ctx, rec)
	if err != nil {
		return store.Record{}, fmt.Errorf("insert: %w", err)
	}
	rec.ID = id

	if err := e.installTrigger(rec); err != nil {
		// The record is durable; a restart will pick it up during recovery.
		e.log.Error("trigger install failed", logx.String("id", rec.ID), logx.Err(err))
	}
	return rec, nil
}

// Cancel deletes a pending schedule and its trigger. Returns
// store.ErrNotFound when the record does not exist, belongs to a different
// chat, or has already been sent.
func (e *Engine) Cancel(ctx context.Context, id string, destination int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeletePending(ctx, id, destination); err != nil {
		return err
	}
	e.triggers.Cancel(id)
	e.log.Info("schedule deleted", logx.String("id", id), logx.Int64("destination", destination))
	return nil
}

// List returns the pending schedules for a chat.
func (e *Engine) List(ctx context.Context, destination int64) ([]store.Record, error) {
	return e.store.ListPending(ctx, destination)
}

// Recover rebuilds the trigger set from the store. Records that are
// past-due, unreadable, or point at an unreachable chat are skipped without
// aborting the scan; only store connectivity failure after all retries is
// fatal and returned to the caller.
func (e *Engine) Recover(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RecoverRetries; attempt++ {
		recs, err := e.store.PendingAll(ctx)
		if err != nil {
			lastErr = err
			e.log.Error("store scan failed",
				logx.Int("attempt", attempt), logx.Int("retries", e.cfg.RecoverRetries), logx.Err(err))
			if attempt < e.cfg.RecoverRetries {
				select {
				case <-time.After(e.cfg.RecoverRetryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}

		loaded, skipped := 0, 0
		for _, rec := range recs {
			if e.recoverOne(ctx, rec) {
				loaded++
			} else {
				skipped++
			}
		}
		e.log.Info("schedule loading complete", logx.Int("loaded", loaded), logx.Int("skipped", skipped))
		return nil
	}
	return fmt.Errorf("loading schedules: %w", lastErr)
}

func (e *Engine) recoverOne(ctx context.Context, rec store.Record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("error processing schedule", logx.String("id", rec.ID), logx.Any("panic", r))
			ok = false
		}
	}()

	if rec.Destination == 0 || rec.ScheduleName == "" || rec.Body == "" {
		e.log.Warn("skipping invalid schedule: missing required fields", logx.String("id", rec.ID))
		return false
	}
	if err := e.tp.Resolve(ctx, rec.Destination); err != nil {
		e.log.Warn("skipping schedule for inaccessible destination",
			logx.String("id", rec.ID), logx.Int64("destination", rec.Destination), logx.Err(err))
		return false
	}

	switch {
	case rec.IntervalSeconds != 0:
		if rec.IntervalSeconds < 0 {
			e.log.Warn("skipping schedule: invalid interval",
				logx.String("id", rec.ID), logx.Int64("interval_seconds", rec.IntervalSeconds))
			return false
		}
		if err := e.triggers.Install(rec.ID, TriggerSpec{Every: time.Duration(rec.IntervalSeconds) * time.Second}); err != nil {
			e.log.Warn("skipping schedule: trigger install failed", logx.String("id", rec.ID), logx.Err(err))
			return false
		}
		e.log.Info("loaded repeating schedule", logx.String("id", rec.ID),
			logx.String("name", rec.ScheduleName), logx.Int64("destination", rec.Destination))
		return true

	case rec.FireAt != "":
		at, err := time.ParseInLocation(store.TimeLayout, rec.FireAt, time.Local)
		if err != nil {
			e.log.Warn("skipping schedule: invalid fire time",
				logx.String("id", rec.ID), logx.String("fire_at", rec.FireAt), logx.Err(err))
			return false
		}
		if at.Before(time.Now()) {
			// Missed one-shot jobs are swallowed rather than replayed, so a
			// restart cannot flood chats with a backlog.
			if err := e.store.MarkCompleted(ctx, rec.ID); err != nil {
				e.log.Warn("marking past schedule failed", logx.String("id", rec.ID), logx.Err(err))
			}
			e.log.Info("skipped past schedule", logx.String("id", rec.ID),
				logx.String("name", rec.ScheduleName), logx.Int64("destination", rec.Destination))
			return false
		}
		if err := e.triggers.Install(rec.ID, TriggerSpec{FireAt: at}); err != nil {
			e.log.Warn("skipping schedule: trigger install failed", logx.String("id", rec.ID), logx.Err(err))
			return false
		}
		e.log.Info("loaded one-time schedule", logx.String("id", rec.ID),
			logx.String("name", rec.ScheduleName), logx.Int64("destination", rec.Destination))
		return true

	default:
		e.log.Warn("skipping schedule: no interval or time", logx.String("id", rec.ID))
		return false
	}
}

// Run starts the trigger runner and the tick loop, blocking until ctx is
// cancelled. Deliveries run concurrently; a panic in one delivery is logged
// and does not stop the loop.
func (e *Engine) Run(ctx context.Context) {
	e.triggers.Start()
	defer e.triggers.Stop()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info("engine started", logx.Duration("tick", e.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return
		case <-ticker.C:
			for _, id := range e.triggers.Due() {
				go e.deliverSafe(ctx, id)
			}
		}
	}
}

func (e *Engine) deliverSafe(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in delivery", logx.String("id", jobID), logx.Any("panic", r))
		}
	}()
	e.deliver(ctx, jobID)
}

func (e *Engine) installTrigger(rec store.Record) error {
	if rec.IntervalSeconds > 0 {
		return e.triggers.Install(rec.ID, TriggerSpec{Every: time.Duration(rec.IntervalSeconds) * time.Second})
	}
	if rec.FireAt != "" {
		at, err := time.ParseInLocation(store.TimeLayout, rec.FireAt, time.Local)
		if err != nil {
			return fmt.Errorf("fire time %q: %w", rec.FireAt, err)
		}
		if !at.After(time.Now()) {
			// Past times get no trigger here; recovery handles marking.
			return nil
		}
		return e.triggers.Install(rec.ID, TriggerSpec{FireAt: at})
	}
	return errors.New("record has neither interval nor fire time")
}
