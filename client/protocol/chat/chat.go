package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/adwski/huddle/client/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	Topic         = "chat"
	ActionMessage = "message"

	DefaultHistory = 500
)

var (
	ErrEmpty = errors.New("empty message")
	ErrSend  = errors.New("unable to send chat message")
)

type Sender interface {
	Send(ctx context.Context, data []byte, opts transport.SendOptions) error
	LocalIdentity() string
}

type Message struct {
	ID        string `json:"id"`
	Text      string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	From      string `json:"-"`
}

func (m Message) Validate() error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

type Config struct {
	Logger  *zerolog.Logger
	Channel Sender
	// History bounds kept messages, DefaultHistory if zero.
	History   int
	OnMessage func(Message)
}

// Room holds the chat history of one room and counts messages that arrived
// while the chat was not open.
type Room struct {
	ch        Sender
	logger    zerolog.Logger
	limit     int
	onMessage func(Message)
	now       func() time.Time

	mx      *sync.Mutex
	history []Message
	unread  int
	open    bool
}

func New(cfg Config) *Room {
	limit := cfg.History
	if limit <= 0 {
		limit = DefaultHistory
	}
	onMessage := cfg.OnMessage
	if onMessage == nil {
		onMessage = func(Message) {}
	}
	return &Room{
		ch:        cfg.Channel,
		logger:    cfg.Logger.With().Str("component", "chat").Logger(),
		limit:     limit,
		onMessage: onMessage,
		now:       time.Now,
		mx:        &sync.Mutex{},
	}
}

// Say sends text to the room and appends it to local history.
func (r *Room) Say(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmpty
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, errors.Join(ErrSend, err)
	}
	msg := Message{
		ID:        id.String(),
		Text:      text,
		Timestamp: r.now().UnixMilli(),
		From:      r.ch.LocalIdentity(),
	}
	b, err := codec.Encode(Topic, ActionMessage, msg)
	if err != nil {
		return Message{}, errors.Join(ErrSend, err)
	}
	if err = r.ch.Send(ctx, b, transport.SendOptions{Reliable: true, Topic: Topic}); err != nil {
		return Message{}, errors.Join(ErrSend, err)
	}

	r.mx.Lock()
	r.append(msg)
	r.mx.Unlock()
	return msg, nil
}

func (r *Room) Handle(sender string, m codec.Message) error {
	if m.Action != ActionMessage {
		return nil
	}
	var msg Message
	if err := m.Bind(&msg); err != nil {
		return err
	}
	msg.From = sender

	r.mx.Lock()
	r.append(msg)
	if !r.open {
		r.unread++
	}
	r.mx.Unlock()

	r.logger.Trace().Str("from", sender).Str("id", msg.ID).Msg("chat message")
	r.onMessage(msg)
	return nil
}

// SetOpen marks chat as visible. Opening it clears the unread counter.
func (r *Room) SetOpen(open bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.open = open
	if open {
		r.unread = 0
	}
}

func (r *Room) Unread() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.unread
}

func (r *Room) History() []Message {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Message(nil), r.history...)
}

func (r *Room) append(msg Message) {
	r.history = append(r.history, msg)
	if over := len(r.history) - r.limit; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
}
