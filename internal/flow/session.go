package flow

import (
	"context"
	"time"

	"schedbot/internal/store"
	"schedbot/pkg/logx"
)

// state is the conversation step an operator is currently on.
type state int

const (
	stateName state = iota
	stateText
	stateMedia
	stateButtons
	stateTrigger
)

func (s state) String() string {
	switch s {
	case stateName:
		return "name"
	case stateText:
		return "text"
	case stateMedia:
		return "media"
	case stateButtons:
		return "buttons"
	case stateTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// session holds one operator's in-progress schedule creation. Sessions are
// keyed by operator id and bound to the chat the conversation started in;
// messages from the same operator in other chats are ignored.
type session struct {
	chatID  int64
	state   state
	draft   store.Record
	updated time.Time
}

// Run sweeps abandoned sessions until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ttl := s.cfg.SessionTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expire(ttl)
		}
	}
}

func (s *Service) expire(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.updated.Before(cutoff) {
			delete(s.sessions, id)
			s.log.Debug("expired stale scheduling session",
				logx.Int64("operator", id), logx.String("state", sess.state.String()))
		}
	}
}
