// Package transport defines the chat-transport boundary consumed by the
// engine and the conversational flow. The telegram subpackage provides the
// production implementation.
package transport

import "context"

// Media references a previously-uploaded media object on the transport side.
// Ref is opaque to everything but the adapter that produced it.
type Media struct {
	Type        string // "photo" or "video"
	Ref         string
	AccessToken string
}

// Button is one inline URL button.
type Button struct {
	Text string
	URL  string
}

// Incoming is a normalized inbound message.
type Incoming struct {
	ChatID   int64
	SenderID int64
	Username string
	Text     string
	Photo    *Media
	Video    *Media
	// Anonymous is set when the message was posted on behalf of the chat
	// itself (anonymous group admin).
	Anonymous bool
}

// Handler consumes normalized updates. Implemented by the flow service.
type Handler interface {
	// HandleCommand is invoked for slash commands ("/list", "/delete 123", ...).
	HandleCommand(ctx context.Context, cmd string, args string, in Incoming)
	// HandleMessage is invoked for every non-command message (conversation steps).
	HandleMessage(ctx context.Context, in Incoming)
}

// Transport is the outbound chat interface.
type Transport interface {
	// Resolve verifies the destination chat is reachable.
	Resolve(ctx context.Context, chatID int64) error

	// Send delivers text with optional media and inline buttons.
	Send(ctx context.Context, chatID int64, text string, media *Media, buttons []Button) error

	// IsAdmin reports whether the user may manage schedules in the chat.
	// Anonymous admins pass by construction: only admins can post on behalf
	// of the chat.
	IsAdmin(ctx context.Context, chatID, userID int64, anonymous bool) (bool, error)
}
