// Package store persists scheduled message records.
//
// Two backends are available: MongoDB (document store, the default) and
// SQLite (single file, no server). Both implement the same Store interface
// and the same filter semantics, so the engine does not care which one is
// configured.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"schedbot/pkg/logx"
)

// ErrNotFound is returned when a lookup or a guarded delete matches nothing.
var ErrNotFound = errors.New("record not found")

// TimeLayout is the wire format for one-shot schedule times. It is stored as
// a string so that a corrupted value surfaces as a parse error during
// recovery instead of being silently coerced.
const TimeLayout = "2006-01-02 15:04:05"

// Button is one inline URL button attached to a scheduled message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Record is the durable description of one scheduled message.
//
// Exactly one of IntervalSeconds (> 0) and FireAt (non-empty, TimeLayout)
// is set on a valid record. Completed stays false for recurring records;
// one-shot records flip to true after a successful delivery or when
// recovery discards them as past-due.
type Record struct {
	ID               string
	Destination      int64
	ScheduleName     string
	Body             string
	MediaType        string
	MediaRef         string
	MediaAccessToken string
	Buttons          []Button
	IntervalSeconds  int64
	FireAt           string
	Completed        bool
}

// Recurring reports whether the record repeats on a fixed interval.
func (r Record) Recurring() bool { return r.IntervalSeconds > 0 }

// Store is the persistence API consumed by the engine and the flow.
//
// Individual calls are atomic; there is no cross-call transaction. The
// engine sequences its replacement protocol (delete old, insert new) itself
// and accepts the narrow window in between.
type Store interface {
	// Insert stores a new record and returns its assigned id.
	Insert(ctx context.Context, r Record) (string, error)

	// FindByID returns the record with the given id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (Record, error)

	// FindByName returns the record (sent or unsent) for the
	// (destination, schedule name) pair, or ErrNotFound.
	FindByName(ctx context.Context, destination int64, name string) (Record, error)

	// ListPending returns all not-yet-completed records for a destination.
	ListPending(ctx context.Context, destination int64) ([]Record, error)

	// PendingAll returns all not-yet-completed records across destinations.
	// Used by the startup recovery scan.
	PendingAll(ctx context.Context) ([]Record, error)

	// MarkCompleted flips the record's completed flag to true.
	MarkCompleted(ctx context.Context, id string) error

	// Delete removes the record with the given id unconditionally.
	Delete(ctx context.Context, id string) error

	// DeletePending removes the record only if it belongs to destination and
	// is not completed. Returns ErrNotFound when nothing matched.
	DeletePending(ctx context.Context, id string, destination int64) error

	Close(ctx context.Context) error
}

// Config configures the store backend.
type Config struct {
	Driver string

	// Mongo
	URI        string
	Database   string
	Collection string

	// SQLite
	Path        string
	BusyTimeout time.Duration

	ConnectTimeout time.Duration
}

// Open initializes the configured backend and verifies connectivity.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "mongo", "mongodb":
		return openMongo(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
