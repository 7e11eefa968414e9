package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/adwski/huddle/client/protocol/router"
	"github.com/adwski/huddle/client/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoom(t *testing.T, ch *transporttest.Channel, history int) *Room {
	t.Helper()
	logger := zerolog.Nop()
	room := New(Config{Logger: &logger, Channel: ch, History: history})
	rt := router.New(&logger)
	require.NoError(t, rt.Register(Topic, room))
	ch.OnData(func(data []byte, sender, _ string) { rt.Dispatch(sender, data) })
	return room
}

func TestRoom_Unread(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newRoom(t, hub.Join("alice", "Alice"), 0)
	bob := newRoom(t, hub.Join("bob", "Bob"), 0)

	sent, err := alice.Say(context.Background(), "  hi 👋  ")
	require.NoError(t, err)
	assert.Equal(t, "hi 👋", sent.Text)
	_, err = alice.Say(context.Background(), "anyone?")
	require.NoError(t, err)

	assert.Equal(t, 2, bob.Unread())
	assert.Zero(t, alice.Unread())

	history := bob.History()
	require.Len(t, history, 2)
	assert.Equal(t, "alice", history[0].From)
	assert.Equal(t, sent.ID, history[0].ID)
	assert.Equal(t, "hi 👋", history[0].Text)
	assert.Equal(t, sent.Timestamp, history[0].Timestamp)

	bob.SetOpen(true)
	assert.Zero(t, bob.Unread())
	_, err = alice.Say(context.Background(), "still there")
	require.NoError(t, err)
	assert.Zero(t, bob.Unread())

	bob.SetOpen(false)
	_, err = alice.Say(context.Background(), "bye")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.Unread())
	assert.Len(t, alice.History(), 4)
}

func TestRoom_Errors(t *testing.T) {
	hub := transporttest.NewHub()
	ch := hub.Join("alice", "Alice")
	room := newRoom(t, ch, 0)

	_, err := room.Say(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmpty)

	ch.FailSends(errors.New("offline"))
	_, err = room.Say(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrSend)
	assert.Empty(t, room.History())
}

func TestRoom_HistoryLimit(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newRoom(t, hub.Join("alice", "Alice"), 0)
	bob := newRoom(t, hub.Join("bob", "Bob"), 2)

	for _, text := range []string{"one", "two", "three"} {
		_, err := alice.Say(context.Background(), text)
		require.NoError(t, err)
	}
	history := bob.History()
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Text)
	assert.Equal(t, "three", history[1].Text)
	assert.Equal(t, 3, bob.Unread())
}
