// Package telegram implements transport.Transport on top of telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"schedbot/internal/transport"
	"schedbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound sends across all chats. 0 disables.
	SendRatePerSec int
	// HandleTimeout bounds the processing of a single inbound update.
	HandleTimeout time.Duration
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	mu      sync.Mutex
	handler transport.Handler
	baseCtx context.Context
}

var commands = []string{"/start", "/help", "/schedule_message", "/list", "/delete", "/cancel"}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{cfg: cfg, log: log, bot: b, baseCtx: context.Background()}
	if cfg.SendRatePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec)
	}
	a.registerHandlers()
	return a, nil
}

// Bind installs the update handler. Must be called before Run.
func (a *Adapter) Bind(h transport.Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Run starts long polling and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()

	a.log.Info("polling started", logx.String("bot", a.bot.Me.Username))
	a.bot.Start()
	a.log.Info("polling stopped")
}

func (a *Adapter) registerHandlers() {
	for _, cmd := range commands {
		cmd := cmd
		a.bot.Handle(cmd, func(c tele.Context) error {
			m := c.Message()
			if m == nil {
				return nil
			}
			a.dispatch(func(ctx context.Context, h transport.Handler) {
				h.HandleCommand(ctx, cmd, strings.TrimSpace(m.Payload), fromMessage(m))
			})
			return nil
		})
	}
	for _, ep := range []string{tele.OnText, tele.OnPhoto, tele.OnVideo} {
		a.bot.Handle(ep, func(c tele.Context) error {
			m := c.Message()
			if m == nil {
				return nil
			}
			a.dispatch(func(ctx context.Context, h transport.Handler) {
				h.HandleMessage(ctx, fromMessage(m))
			})
			return nil
		})
	}
}

func (a *Adapter) dispatch(fn func(ctx context.Context, h transport.Handler)) {
	a.mu.Lock()
	h := a.handler
	base := a.baseCtx
	a.mu.Unlock()
	if h == nil {
		return
	}
	timeout := a.cfg.HandleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	fn(ctx, h)
}

func fromMessage(m *tele.Message) transport.Incoming {
	in := transport.Incoming{
		ChatID: m.Chat.ID,
		Text:   m.Text,
	}
	if m.Sender != nil {
		in.SenderID = m.Sender.ID
		in.Username = m.Sender.Username
	}
	// Anonymous admins post on behalf of the group itself.
	if m.SenderChat != nil && m.SenderChat.ID == m.Chat.ID {
		in.Anonymous = true
	}
	if m.Photo != nil {
		in.Photo = &transport.Media{Type: "photo", Ref: m.Photo.FileID, AccessToken: m.Photo.UniqueID}
		if in.Text == "" {
			in.Text = m.Caption
		}
	}
	if m.Video != nil {
		in.Video = &transport.Media{Type: "video", Ref: m.Video.FileID, AccessToken: m.Video.UniqueID}
		if in.Text == "" {
			in.Text = m.Caption
		}
	}
	return in
}

// Resolve verifies the chat is reachable by the bot.
func (a *Adapter) Resolve(_ context.Context, chatID int64) error {
	_, err := a.bot.ChatByID(chatID)
	if err != nil {
		return fmt.Errorf("chat %d: %w", chatID, err)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, chatID int64, text string, media *transport.Media, buttons []transport.Button) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if rm := inlineKeyboard(buttons); rm != nil {
		opts.ReplyMarkup = rm
	}

	var err error
	switch {
	case media != nil && media.Type == "photo":
		_, err = a.bot.Send(chat, &tele.Photo{File: tele.File{FileID: media.Ref}, Caption: text}, opts)
	case media != nil && media.Type == "video":
		_, err = a.bot.Send(chat, &tele.Video{File: tele.File{FileID: media.Ref}, Caption: text}, opts)
	case media != nil:
		return fmt.Errorf("unsupported media type %q", media.Type)
	default:
		_, err = a.bot.Send(chat, text, opts)
	}
	return err
}

func (a *Adapter) IsAdmin(_ context.Context, chatID, userID int64, anonymous bool) (bool, error) {
	if anonymous {
		return true, nil
	}
	member, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		return false, err
	}
	return member.Role == tele.Administrator || member.Role == tele.Creator, nil
}

// inlineKeyboard renders one button per row, matching how schedules are
// presented to operators during creation.
func inlineKeyboard(buttons []transport.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, rm.Row(rm.URL(b.Text, b.URL)))
	}
	rm.Inline(rows...)
	return rm
}
