// Package matrix wraps mautrix-go for Karn: it joins the configured rooms,
// delivers every text or image message to a handler, reads room history
// for context windows and posts replies and media.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/karn/common/retry"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined at start.
	Rooms []string
	// DB, when set, persists the sync position.
	DB *sql.DB
	// HTTPClient fetches remote images before upload.
	HTTPClient *http.Client
}

// Message is an inbound room message.
type Message struct {
	ID          string
	Room        string
	Sender      string
	DisplayName string
	// Text is the plain body; for images it is the caption, if any.
	Text string
	// Formatted is the HTML body, when present.
	Formatted string
	Images    []string
	At        time.Time
}

// MessageHandler is called for each inbound message not sent by the bot.
type MessageHandler func(ctx context.Context, msg Message)

// Client is Karn's Matrix client.
type Client struct {
	mxc    *mautrix.Client
	cfg    Config
	http   *http.Client
	stopCh chan struct{}

	namesMu sync.RWMutex
	names   map[id.UserID]string

	media *mediaCache
}

// New creates a client but does not start syncing.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.DB != nil {
		mxc.Store = &dbSyncStore{db: cfg.DB}
	} else {
		slog.Warn("matrix sync store: no database, history will replay on restart")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		mxc:    mxc,
		cfg:    cfg,
		http:   hc,
		stopCh: make(chan struct{}),
		names:  make(map[id.UserID]string),
		media:  newMediaCache(64),
	}, nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.cfg.UserID }

// Start joins the configured rooms and runs the sync loop in the background,
// reconnecting with exponential back-off.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	slog.Warn("Matrix E2EE is not enabled; messages are in plaintext")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(evCtx context.Context, evt *event.Event) {
		if evt.Sender == id.UserID(c.cfg.UserID) {
			return
		}
		msg, ok := c.toMessage(evCtx, evt)
		if !ok {
			return
		}
		handler(ctx, msg)
	})
	syncer.OnEventType(event.StateMember, func(evCtx context.Context, evt *event.Event) {
		c.forgetName(evt.Sender)
	})

	for _, room := range c.cfg.Rooms {
		c.join(ctx, id.RoomID(room))
	}

	go func() {
		const backoffMin, backoffMax = 2 * time.Second, 5 * time.Minute
		backoff := backoffMin
		for {
			err := c.mxc.SyncWithContext(ctx)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err == nil {
				backoff = backoffMin
				continue
			}
			slog.Error("matrix sync error; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop halts the sync loop.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.mxc.StopSync()
}

// PostText sends text as an m.text message, with an HTML body when the text
// carries markdown.
func (c *Client) PostText(ctx context.Context, roomID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if html, ok := RenderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return c.send(ctx, roomID, content)
}

// PostNotice sends an m.notice, used for command feedback.
func (c *Client) PostNotice(ctx context.Context, roomID, text string) error {
	return c.send(ctx, roomID, &event.MessageEventContent{MsgType: event.MsgNotice, Body: text})
}

// SetTyping toggles the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) {
	if _, err := c.mxc.UserTyping(ctx, id.RoomID(roomID), typing, 30*time.Second); err != nil {
		slog.Debug("set typing failed", "room", roomID, "err", err)
	}
}

func (c *Client) send(ctx context.Context, roomID string, content *event.MessageEventContent) error {
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		_, err := c.mxc.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
		if errors.Is(err, mautrix.MForbidden) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DisplayName returns the display name of userID, falling back to its
// localpart.
func (c *Client) DisplayName(ctx context.Context, userID string) string {
	uid := id.UserID(userID)
	c.namesMu.RLock()
	name, ok := c.names[uid]
	c.namesMu.RUnlock()
	if ok {
		return name
	}

	name = localpart(userID)
	if profile, err := c.mxc.GetProfile(ctx, uid); err == nil && profile.DisplayName != "" {
		name = profile.DisplayName
	}
	c.namesMu.Lock()
	c.names[uid] = name
	c.namesMu.Unlock()
	return name
}

func (c *Client) forgetName(uid id.UserID) {
	c.namesMu.Lock()
	delete(c.names, uid)
	c.namesMu.Unlock()
}

func (c *Client) join(ctx context.Context, roomID id.RoomID) {
	if _, err := c.mxc.JoinRoomByID(ctx, roomID); err != nil {
		// M_FORBIDDEN is also returned when already a member.
		slog.Warn("join room", "room", roomID, "err", err)
	}
}

// toMessage converts a timeline event. Non-message events and unsupported
// msgtypes are dropped.
func (c *Client) toMessage(ctx context.Context, evt *event.Event) (Message, bool) {
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return Message{}, false
	}
	msg := Message{
		ID:     evt.ID.String(),
		Room:   evt.RoomID.String(),
		Sender: evt.Sender.String(),
		At:     time.UnixMilli(evt.Timestamp),
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		msg.Text = content.Body
		if content.Format == event.FormatHTML {
			msg.Formatted = content.FormattedBody
		}
	case event.MsgImage:
		if content.FileName != "" && content.Body != content.FileName {
			msg.Text = content.Body
		}
		if u, err := c.imageURL(ctx, content); err == nil {
			msg.Images = append(msg.Images, u)
		} else {
			slog.Debug("image not available", "event", evt.ID, "err", err)
		}
	default:
		return Message{}, false
	}
	msg.Text = stripReplyFallback(msg.Text)
	msg.DisplayName = c.DisplayName(ctx, msg.Sender)
	return msg, true
}

// stripReplyFallback drops the "> quoted" lines clients prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimLeft(strings.Join(lines[i:], "\n"), "\n")
}

func localpart(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
