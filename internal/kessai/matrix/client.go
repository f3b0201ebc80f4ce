// Package matrix connects Kessai to a Matrix homeserver: it posts approval
// notices and audit lines to rooms and feeds room messages to the chat
// command handler.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/Treynis/ejbca/internal/kessai/store"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on Start; commands are only accepted from them.
	Rooms []string
	// DB persists the sync token across restarts. When nil an in-memory
	// store is used and room history replays on every start.
	DB *store.Store
}

// Message is an incoming text message from one of the configured rooms.
type Message struct {
	RoomID  string
	EventID string
	Sender  string
	Body    string
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg Message)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  Config
	handler MessageHandler

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a client. It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if cfg.DB != nil {
		client.Store = NewSyncStore(cfg.DB)
	} else {
		slog.Warn("Matrix sync store: no DB configured, history will replay on restart")
	}
	return &Client{client: client, config: cfg, stopCh: make(chan struct{})}, nil
}

// Start joins the configured rooms and syncs in the background until Stop
// is called or ctx is done. handler may be nil for a send-only client.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected Matrix syncer %T", c.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.handleEvent)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	go c.syncLoop(ctx)
	return nil
}

func (c *Client) syncLoop(ctx context.Context) {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if err == nil {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop stops syncing. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.StopSync()
	})
}

// SendNotice posts a notice, the message type bots use for automated
// output.
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// Reply answers a specific message with a notice.
func (c *Client) Reply(roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if _, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// IsConfiguredRoom reports whether roomID is one of the configured rooms.
func (c *Client) IsConfiguredRoom(roomID string) bool {
	for _, r := range c.config.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) || c.handler == nil {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	if !c.IsConfiguredRoom(evt.RoomID.String()) {
		return
	}
	c.handler(ctx, Message{
		RoomID:  evt.RoomID.String(),
		EventID: evt.ID.String(),
		Sender:  evt.Sender.String(),
		Body:    content.Body,
	})
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
