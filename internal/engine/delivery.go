package engine

import (
	"context"
	"errors"

	"schedbot/internal/store"
	"schedbot/internal/transport"
	"schedbot/pkg/logx"
)

// deliver sends the message for jobID if its record is still pending.
//
// The record is re-read first: a cancellation or replacement may have landed
// between the trigger firing and this call, in which case delivery aborts
// silently. Send failures are logged and dropped; recurring jobs self-heal on
// their next firing, one-shot jobs stay pending until an operator deletes or
// replaces them.
func (e *Engine) deliver(ctx context.Context, jobID string) {
	rec, err := e.store.FindByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		e.log.Error("delivery read failed", logx.String("id", jobID), logx.Err(err))
		return
	}
	if rec.Completed {
		return
	}

	var media *transport.Media
	if rec.MediaType != "" && rec.MediaRef != "" {
		media = &transport.Media{Type: rec.MediaType, Ref: rec.MediaRef, AccessToken: rec.MediaAccessToken}
	}
	buttons := make([]transport.Button, 0, len(rec.Buttons))
	for _, b := range rec.Buttons {
		buttons = append(buttons, transport.Button{Text: b.Text, URL: b.URL})
	}

	if err := e.tp.Send(ctx, rec.Destination, rec.Body, media, buttons); err != nil {
		e.log.Error("send failed", logx.String("id", rec.ID),
			logx.Int64("destination", rec.Destination), logx.Err(err))
		return
	}
	e.log.Info("sent scheduled message", logx.String("id", rec.ID),
		logx.String("name", rec.ScheduleName), logx.Int64("destination", rec.Destination),
		logx.String("media", rec.MediaType))

	if !rec.Recurring() {
		// One-shot entries fire daily at the same clock time until cancelled,
		// so the cancel below must happen or the message repeats tomorrow.
		if err := e.store.MarkCompleted(ctx, rec.ID); err != nil {
			e.log.Error("completion update failed", logx.String("id", rec.ID), logx.Err(err))
		}
		e.triggers.Cancel(rec.ID)
	}
}
