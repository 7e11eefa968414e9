package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/adwski/huddle/client/protocol/router"
	"github.com/adwski/huddle/client/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	ch       *transporttest.Channel
	p        *Protocol
	requests []Entry
	approved int
	denied   int
}

func newPeer(t *testing.T, hub *transporttest.Hub, id string) *peer {
	t.Helper()
	logger := zerolog.Nop()
	pr := &peer{ch: hub.Join(id, id)}
	pr.p = New(Config{
		Logger:      &logger,
		Channel:     pr.ch,
		SettleDelay: time.Millisecond,
		OnRequest:   func(e Entry) { pr.requests = append(pr.requests, e) },
		OnApproved:  func() { pr.approved++ },
		OnDenied:    func() { pr.denied++ },
	})
	r := router.New(&logger)
	require.NoError(t, r.Register(TopicRequest, pr.p))
	require.NoError(t, r.Register(TopicResponse, pr.p))
	pr.ch.OnData(func(data []byte, sender, _ string) { r.Dispatch(sender, data) })
	return pr
}

func TestAuthority(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		roster []model.Participant
		want   string
	}{
		{name: "empty", want: ""},
		{
			name: "earliest wins",
			roster: []model.Participant{
				{ID: "b", JoinedAt: base.Add(time.Second)},
				{ID: "c", JoinedAt: base.Add(2 * time.Second)},
				{ID: "a", JoinedAt: base.Add(3 * time.Second)},
			},
			want: "b",
		},
		{
			name: "tie broken by identity",
			roster: []model.Participant{
				{ID: "zed", JoinedAt: base},
				{ID: "amy", JoinedAt: base},
			},
			want: "amy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authority(tt.roster))
		})
	}
}

func TestAdmission_RequestApprove(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")

	assert.True(t, alice.p.IsAuthority())
	assert.False(t, bob.p.IsAuthority())

	sent, err := bob.p.Submit(context.Background(), "Bob")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, bob.p.Waiting())

	_, err = bob.p.Submit(context.Background(), "Bob")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	pending := alice.p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].Identity)
	assert.Equal(t, "Bob", pending[0].Name)
	assert.Len(t, alice.requests, 1)

	require.NoError(t, alice.p.Approve(context.Background(), "bob"))
	assert.Empty(t, alice.p.Pending())
	assert.False(t, bob.p.Waiting())
	assert.Equal(t, 1, bob.approved)
	assert.Zero(t, bob.denied)

	assert.ErrorIs(t, alice.p.Approve(context.Background(), "bob"), ErrNotPending)
}

func TestAdmission_DuplicateRequest(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	hub.Join("u1", "Alice")

	raw, err := codec.Encode(TopicRequest, ActionJoinRequest, map[string]string{
		"identity": "u1",
		"name":     "Alice",
	})
	require.NoError(t, err)

	msg, err := codec.Decode(raw)
	require.NoError(t, err)
	require.NoError(t, alice.p.Handle("u1", msg))
	require.NoError(t, alice.p.Handle("u1", msg))

	pending := alice.p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "u1", pending[0].Identity)
	assert.Len(t, alice.requests, 1)
}

func TestAdmission_RequestMissingFields(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	hub.Join("u1", "Alice")

	for _, raw := range []string{
		`{"topic":"waiting-room-request","action":"join-request","identity":"u1"}`,
		`{"topic":"waiting-room-request","action":"join-request","name":"Alice"}`,
		`{"topic":"waiting-room-request","action":"join-request","identity":"u1","name":null}`,
	} {
		msg, err := codec.Decode([]byte(raw))
		require.NoError(t, err)
		assert.ErrorIs(t, alice.p.Handle("u1", msg), codec.ErrDecode, raw)
	}
	assert.Empty(t, alice.p.Pending())
	assert.Empty(t, alice.requests)
}

func TestAdmission_RemovedEvenIfSendFails(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	carol := newPeer(t, hub, "carol")

	_, err := bob.p.Submit(context.Background(), "Bob")
	require.NoError(t, err)
	_, err = carol.p.Submit(context.Background(), "Carol")
	require.NoError(t, err)
	require.Len(t, alice.p.Pending(), 2)

	alice.ch.FailSends(errors.New("link down"))

	assert.ErrorIs(t, alice.p.Approve(context.Background(), "bob"), ErrSend)
	assert.ErrorIs(t, alice.p.Deny(context.Background(), "carol"), ErrSend)
	assert.Empty(t, alice.p.Pending())

	assert.True(t, bob.p.Waiting())
	assert.Zero(t, carol.denied)
}

func TestAdmission_Deny(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")

	_, err := bob.p.Submit(context.Background(), "Bob")
	require.NoError(t, err)
	require.NoError(t, alice.p.Deny(context.Background(), "bob"))

	assert.Equal(t, 1, bob.denied)
	assert.Zero(t, bob.approved)
	assert.False(t, bob.p.Waiting())
}

func TestAdmission_NonAuthorityIgnoresRequests(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	carol := newPeer(t, hub, "carol")

	_, err := carol.p.Submit(context.Background(), "Carol")
	require.NoError(t, err)

	assert.Len(t, alice.p.Pending(), 1)
	assert.Empty(t, bob.p.Pending())
	assert.Empty(t, bob.requests)
}

func TestAdmission_DecisionElsewhereSettlesEntry(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	carol := newPeer(t, hub, "carol")

	_, err := carol.p.Submit(context.Background(), "Carol")
	require.NoError(t, err)
	require.Len(t, alice.p.Pending(), 1)

	// bob acts on a stale roster where alice is missing
	bob.p.pending["carol"] = Entry{Identity: "carol"}
	require.NoError(t, bob.p.Approve(context.Background(), "carol"))

	assert.Empty(t, alice.p.Pending())
	assert.Equal(t, 1, carol.approved)

	require.ErrorIs(t, alice.p.Approve(context.Background(), "carol"), ErrNotPending)
	assert.Equal(t, 1, carol.approved)
}

func TestAdmission_SubmitEmptyRoom(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")

	sent, err := alice.p.Submit(context.Background(), "Alice")
	require.NoError(t, err)
	assert.False(t, sent)
	assert.False(t, alice.p.Waiting())
	assert.Empty(t, alice.ch.Sent())
}

func TestAdmission_SubmitCancelled(t *testing.T) {
	hub := transporttest.NewHub()
	newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	bob.p.settle = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := bob.p.Submit(ctx, "Bob")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, sent)
	assert.Empty(t, bob.ch.Sent())
}

func TestAdmission_Prune(t *testing.T) {
	hub := transporttest.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")

	_, err := bob.p.Submit(context.Background(), "Bob")
	require.NoError(t, err)
	require.Len(t, alice.p.Pending(), 1)

	hub.Leave("bob")
	alice.p.Prune(hub.Roster())
	assert.Empty(t, alice.p.Pending())
}
