// Package matrix is the chat transport: each configured room is one
// conversation session, and every text message in it becomes a turn.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are the room IDs the desk listens in. Each room is a session.
	Rooms []string
	// AllowedSenders optionally restricts who may talk to the desk. Empty
	// means every room member.
	AllowedSenders []string
	// DB persists the sync token. When nil, history replays on restart.
	DB *sql.DB
}

// Incoming is one text message addressed to the desk.
type Incoming struct {
	RoomID  string
	EventID string
	Sender  string
	Body    string
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg Incoming)

const (
	syncBackoffMin = 2 * time.Second
	syncBackoffMax = 5 * time.Minute
)

// Client wraps the mautrix client.
type Client struct {
	client    *mautrix.Client
	config    *Config
	stopCh    chan struct{}
	handler   MessageHandler
	startedAt time.Time
}

// New creates a client. It does not contact the homeserver until Start.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if config.DB != nil {
		client.Store = NewDBSyncStore(config.DB)
	} else {
		slog.Warn("Matrix sync position is not persisted; a restart replays recent history")
	}
	return &Client{client: client, config: config, stopCh: make(chan struct{})}, nil
}

// Start joins the configured rooms and syncs in the background until ctx
// ends or Stop is called, reconnecting with exponential back-off.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler
	c.startedAt = time.Now()

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer implementation")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go c.syncLoop(ctx)
	return nil
}

func (c *Client) syncLoop(ctx context.Context) {
	backoff := syncBackoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if err == nil || c.stopped(ctx) {
			return
		}
		slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, syncBackoffMax)
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Stop ends the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

func (c *Client) send(ctx context.Context, roomID string, content *event.MessageEventContent) error {
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	return err
}

// SendFormattedMessage sends HTML with a plain-text fallback.
func (c *Client) SendFormattedMessage(ctx context.Context, roomID, html, plaintext string) error {
	err := c.send(ctx, roomID, &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plaintext,
		Format:        event.FormatHTML,
		FormattedBody: html,
	})
	if err != nil {
		return fmt.Errorf("failed to send formatted message: %w", err)
	}
	return nil
}

// ReplyToMessage answers eventID in a thread-less reply.
func (c *Client) ReplyToMessage(ctx context.Context, roomID, eventID, message string) error {
	err := c.send(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendNotice posts an m.notice, used for audit messages.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	if err := c.send(ctx, roomID, &event.MessageEventContent{MsgType: event.MsgNotice, Body: message}); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping sets the typing indicator while a turn runs.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// Accepts reports whether a message from sender in roomID reaches the desk.
func (c *Client) Accepts(roomID, sender string) bool {
	return accepts(c.config, roomID, sender)
}

func accepts(cfg *Config, roomID, sender string) bool {
	if sender == cfg.UserID || !slices.Contains(cfg.Rooms, roomID) {
		return false
	}
	return len(cfg.AllowedSenders) == 0 || slices.Contains(cfg.AllowedSenders, sender)
}

// turnable reports whether a message event should start a turn. Edits are
// skipped so a corrected "yes" cannot confirm twice. Messages sent more than
// a minute before startup are backlog and are skipped too.
func turnable(msg *event.MessageEventContent, sent, startedAt time.Time) bool {
	if msg == nil || msg.MsgType != event.MsgText {
		return false
	}
	if msg.RelatesTo != nil && msg.RelatesTo.Type == event.RelReplace {
		return false
	}
	return startedAt.IsZero() || !sent.Before(startedAt.Add(-time.Minute))
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if !turnable(msg, time.UnixMilli(evt.Timestamp), c.startedAt) {
		return
	}
	if !c.Accepts(evt.RoomID.String(), evt.Sender.String()) {
		return
	}
	if c.handler != nil {
		c.handler(ctx, Incoming{
			RoomID:  evt.RoomID.String(),
			EventID: evt.ID.String(),
			Sender:  evt.Sender.String(),
			Body:    msg.Body,
		})
	}
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
