package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerSpec describes when a job fires. Exactly one field is set.
type TriggerSpec struct {
	// Every registers a repeating timer with a fixed period.
	Every time.Duration
	// FireAt registers a timer on the wall-clock time of day of the
	// timestamp, evaluated daily. One-shot jobs use this and rely on the
	// engine cancelling the entry after the first successful delivery.
	FireAt time.Time
}

// Triggers maps job ids to live cron entries and collects firings until the
// engine's tick loop drains them. Firings are at-least-once: a recurring
// entry keeps firing on its own cadence regardless of tick granularity.
type Triggers struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	due     []string
}

func NewTriggers() *Triggers {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Triggers{
		cron:    cron.New(cron.WithParser(parser)),
		entries: map[string]cron.EntryID{},
	}
}

func (t *Triggers) Start() { t.cron.Start() }

// Stop halts the timer runner and waits for in-flight callbacks.
func (t *Triggers) Stop() { <-t.cron.Stop().Done() }

// Install registers a timer for jobID, replacing any existing one.
func (t *Triggers) Install(jobID string, spec TriggerSpec) error {
	var cronSpec string
	switch {
	case spec.Every > 0:
		cronSpec = fmt.Sprintf("@every %s", spec.Every)
	case !spec.FireAt.IsZero():
		cronSpec = fmt.Sprintf("%d %d %d * * *",
			spec.FireAt.Second(), spec.FireAt.Minute(), spec.FireAt.Hour())
	default:
		return errors.New("empty trigger spec")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[jobID]; ok {
		t.cron.Remove(old)
		delete(t.entries, jobID)
	}
	id, err := t.cron.AddFunc(cronSpec, func() { t.fired(jobID) })
	if err != nil {
		return err
	}
	t.entries[jobID] = id
	return nil
}

// Cancel removes the timer for jobID. Returns false if none was installed.
// A firing already queued for the next tick is not withdrawn; delivery's
// re-read guard handles that.
func (t *Triggers) Cancel(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.entries[jobID]
	if !ok {
		return false
	}
	t.cron.Remove(id)
	delete(t.entries, jobID)
	return true
}

// Due drains and returns the job ids whose timers fired since the last call.
func (t *Triggers) Due() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.due) == 0 {
		return nil
	}
	out := t.due
	t.due = nil
	return out
}

// Active reports whether jobID has a live timer.
func (t *Triggers) Active(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[jobID]
	return ok
}

func (t *Triggers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Triggers) fired(jobID string) {
	t.mu.Lock()
	t.due = append(t.due, jobID)
	t.mu.Unlock()
}
