// Package flow runs the multi-step conversation that collects a schedule
// from an operator (name, text, optional media, optional buttons, trigger)
// and hands the finished record to the engine.
//
// One session per operator, bound to the chat it started in. Validation
// errors are reported inline and do not advance the step. Abandoned sessions
// expire after a TTL.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"schedbot/internal/store"
	"schedbot/internal/transport"
	"schedbot/pkg/logx"
)

// Scheduler is the engine surface the flow needs.
type Scheduler interface {
	Create(ctx context.Context, rec store.Record) (store.Record, error)
	Cancel(ctx context.Context, id string, destination int64) error
	List(ctx context.Context, destination int64) ([]store.Record, error)
}

type Config struct {
	// SessionTTL drops abandoned conversations. Default 15m.
	SessionTTL time.Duration
}

type Service struct {
	cfg Config
	log logx.Logger
	eng Scheduler
	tp  transport.Transport

	// mu guards sessions and serializes conversation steps, so a second
	// message from the same operator cannot interleave with an in-flight step.
	mu       sync.Mutex
	sessions map[int64]*session
}

func New(cfg Config, eng Scheduler, tp transport.Transport, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		eng:      eng,
		tp:       tp,
		sessions: map[int64]*session{},
	}
}

func (s *Service) HandleCommand(ctx context.Context, cmd string, args string, in transport.Incoming) {
	switch cmd {
	case "/start":
		s.reply(ctx, in.ChatID, welcomeText)
	case "/help":
		s.reply(ctx, in.ChatID, helpText)
	case "/schedule_message":
		s.startScheduling(ctx, in)
	case "/list":
		s.listSchedules(ctx, in)
	case "/delete":
		s.deleteSchedule(ctx, args, in)
	case "/cancel":
		s.cancelScheduling(ctx, in)
	}
}

func (s *Service) startScheduling(ctx context.Context, in transport.Incoming) {
	if !s.isAdmin(ctx, in) {
		s.reply(ctx, in.ChatID, "Only group admins can schedule messages!")
		return
	}
	s.mu.Lock()
	s.sessions[in.SenderID] = &session{
		chatID:  in.ChatID,
		state:   stateName,
		draft:   store.Record{Destination: in.ChatID},
		updated: time.Now(),
	}
	s.mu.Unlock()
	s.log.Debug("scheduling session started",
		logx.Int64("operator", in.SenderID), logx.Int64("chat", in.ChatID))
	s.reply(ctx, in.ChatID, "Please provide the schedule name (e.g., 'Daily Reminder').")
}

func (s *Service) cancelScheduling(ctx context.Context, in transport.Incoming) {
	s.mu.Lock()
	_, ok := s.sessions[in.SenderID]
	delete(s.sessions, in.SenderID)
	s.mu.Unlock()
	if ok {
		s.reply(ctx, in.ChatID, "Scheduling cancelled.")
	} else {
		s.reply(ctx, in.ChatID, "No active scheduling process to cancel.")
	}
}

func (s *Service) listSchedules(ctx context.Context, in transport.Incoming) {
	recs, err := s.eng.List(ctx, in.ChatID)
	if err != nil {
		s.log.Error("list failed", logx.Int64("chat", in.ChatID), logx.Err(err))
		s.reply(ctx, in.ChatID, "An error occurred.")
		return
	}
	if len(recs) == 0 {
		s.reply(ctx, in.ChatID, "No scheduled messages.")
		return
	}
	var b strings.Builder
	b.WriteString("Scheduled messages:\n")
	for _, r := range recs {
		b.WriteString(formatRecord(r))
		b.WriteByte('\n')
	}
	s.reply(ctx, in.ChatID, strings.TrimRight(b.String(), "\n"))
}

func formatRecord(r store.Record) string {
	timing := fmt.Sprintf("Every %d seconds", r.IntervalSeconds)
	if r.FireAt != "" {
		timing = "Time: " + r.FireAt
	}
	line := fmt.Sprintf("ID: %s | Name: %s | %s | Message: %s", r.ID, r.ScheduleName, timing, r.Body)
	if r.MediaType != "" {
		line += " | Media: " + r.MediaType
	}
	if len(r.Buttons) > 0 {
		labels := make([]string, 0, len(r.Buttons))
		for _, btn := range r.Buttons {
			labels = append(labels, btn.Text)
		}
		line += " | Buttons: " + strings.Join(labels, ", ")
	}
	return line
}

func (s *Service) deleteSchedule(ctx context.Context, args string, in transport.Incoming) {
	if !s.isAdmin(ctx, in) {
		s.reply(ctx, in.ChatID, "Only group admins can delete messages!")
		return
	}
	fields := strings.Fields(args)
	if len(fields) == 0 {
		s.reply(ctx, in.ChatID, "Usage: /delete <id>")
		return
	}
	id := fields[0]
	err := s.eng.Cancel(ctx, id, in.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		s.reply(ctx, in.ChatID, "Message ID not found or already sent!")
		return
	}
	if err != nil {
		s.log.Error("delete failed", logx.String("id", id), logx.Err(err))
		s.reply(ctx, in.ChatID, "An error occurred.")
		return
	}
	s.reply(ctx, in.ChatID, fmt.Sprintf("Scheduled message %s deleted.", id))
}

// HandleMessage advances the operator's conversation, if any.
func (s *Service) HandleMessage(ctx context.Context, in transport.Incoming) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[in.SenderID]
	if !ok || sess.chatID != in.ChatID {
		return
	}
	sess.updated = time.Now()

	switch sess.state {
	case stateName:
		s.stepName(ctx, sess, in)
	case stateText:
		s.stepText(ctx, sess, in)
	case stateMedia:
		s.stepMedia(ctx, sess, in)
	case stateButtons:
		s.stepButtons(ctx, sess, in)
	case stateTrigger:
		s.stepTrigger(ctx, sess, in)
	}
}

func (s *Service) stepName(ctx context.Context, sess *session, in transport.Incoming) {
	name := strings.TrimSpace(in.Text)
	if name == "" {
		s.reply(ctx, in.ChatID, "Schedule name cannot be empty!")
		return
	}
	sess.draft.ScheduleName = name
	sess.state = stateText
	s.reply(ctx, in.ChatID, "Please provide the message text (e.g., 'Team meeting at 2 PM').")
}

func (s *Service) stepText(ctx context.Context, sess *session, in transport.Incoming) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		s.reply(ctx, in.ChatID, "Message text cannot be empty!")
		return
	}
	sess.draft.Body = text
	sess.state = stateMedia
	s.reply(ctx, in.ChatID, "Send a photo or video (optional), or type 'skip' to proceed.")
}

const buttonsPrompt = "Provide an inline button (text|url, e.g., 'Join|https://example.com'), or type 'skip' to proceed."

func (s *Service) stepMedia(ctx context.Context, sess *session, in transport.Incoming) {
	switch {
	case strings.EqualFold(strings.TrimSpace(in.Text), "skip") && in.Photo == nil && in.Video == nil:
		sess.state = stateButtons
		s.reply(ctx, in.ChatID, buttonsPrompt)
	case in.Photo != nil:
		sess.draft.MediaType = in.Photo.Type
		sess.draft.MediaRef = in.Photo.Ref
		sess.draft.MediaAccessToken = in.Photo.AccessToken
		sess.state = stateButtons
		s.reply(ctx, in.ChatID, "Photo received! Provide an inline button (text|url), or type 'skip' to proceed.")
	case in.Video != nil:
		sess.draft.MediaType = in.Video.Type
		sess.draft.MediaRef = in.Video.Ref
		sess.draft.MediaAccessToken = in.Video.AccessToken
		sess.state = stateButtons
		s.reply(ctx, in.ChatID, "Video received! Provide an inline button (text|url), or type 'skip' to proceed.")
	default:
		s.reply(ctx, in.ChatID, "Please send a photo/video or type 'skip'.")
	}
}

func (s *Service) stepButtons(ctx context.Context, sess *session, in transport.Incoming) {
	text := strings.TrimSpace(in.Text)
	if strings.EqualFold(text, "skip") {
		sess.state = stateTrigger
		s.reply(ctx, in.ChatID, "Enter the time interval in seconds (e.g., '300' for every 300 seconds) or a specific time (YYYY-MM-DD HH:MM:SS, e.g., '2025-06-05 14:00:00').")
		return
	}
	label, url, ok := strings.Cut(text, "|")
	label, url = strings.TrimSpace(label), strings.TrimSpace(url)
	if !ok || label == "" || url == "" {
		s.reply(ctx, in.ChatID, "Invalid button format! Use text|url (e.g., 'Join|https://example.com') or type 'skip'.")
		return
	}
	sess.draft.Buttons = append(sess.draft.Buttons, store.Button{Text: label, URL: url})
	s.reply(ctx, in.ChatID, "Button added! Add another button (text|url) or type 'skip' to proceed.")
}

func (s *Service) stepTrigger(ctx context.Context, sess *session, in transport.Incoming) {
	text := strings.TrimSpace(in.Text)

	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n <= 0 {
			s.reply(ctx, in.ChatID, "Interval must be a positive number of seconds!")
			return
		}
		sess.draft.IntervalSeconds = n
		sess.draft.FireAt = ""
	} else {
		at, err := time.ParseInLocation(store.TimeLayout, text, time.Local)
		if err != nil {
			s.reply(ctx, in.ChatID, "Invalid input! Enter a number of seconds (e.g., '300') or a time (YYYY-MM-DD HH:MM:SS).")
			return
		}
		if at.Before(time.Now()) {
			s.reply(ctx, in.ChatID, "Cannot schedule messages in the past!")
			return
		}
		sess.draft.IntervalSeconds = 0
		sess.draft.FireAt = text
	}

	rec, err := s.eng.Create(ctx, sess.draft)
	if err != nil {
		s.log.Error("schedule create failed",
			logx.String("name", sess.draft.ScheduleName), logx.Int64("chat", in.ChatID), logx.Err(err))
		s.reply(ctx, in.ChatID, "An error occurred.")
		return
	}

	delete(s.sessions, in.SenderID)
	if rec.Recurring() {
		s.reply(ctx, in.ChatID, fmt.Sprintf("Message '%s' (ID: %s) scheduled to repeat every %d seconds.",
			rec.ScheduleName, rec.ID, rec.IntervalSeconds))
	} else {
		s.reply(ctx, in.ChatID, fmt.Sprintf("Message '%s' (ID: %s) scheduled for %s.",
			rec.ScheduleName, rec.ID, rec.FireAt))
	}
}

func (s *Service) isAdmin(ctx context.Context, in transport.Incoming) bool {
	ok, err := s.tp.IsAdmin(ctx, in.ChatID, in.SenderID, in.Anonymous)
	if err != nil {
		s.log.Error("admin check failed", logx.Int64("user", in.SenderID),
			logx.Int64("chat", in.ChatID), logx.Err(err))
		return false
	}
	return ok
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) {
	if err := s.tp.Send(ctx, chatID, text, nil, nil); err != nil {
		s.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
