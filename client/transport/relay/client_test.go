package relay

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/backendtest"
	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/client/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbound struct {
	data   string
	sender string
	topic  string
}

func dial(t *testing.T, b *backendtest.Backend, id string) (*Client, <-chan inbound) {
	t.Helper()
	logger := zerolog.Nop()
	_, err := b.Service.JoinRoom("room", id, id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Logger: &logger, URL: b.RelayURL, Room: "room", Identity: id})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	in := make(chan inbound, 16)
	c.OnData(func(data []byte, sender, topic string) {
		in <- inbound{data: string(data), sender: sender, topic: topic}
	})
	return c, in
}

func receive(t *testing.T, in <-chan inbound) inbound {
	t.Helper()
	select {
	case msg := <-in:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("datagram was not delivered")
	}
	return inbound{}
}

func rosterIDs(roster []model.Participant) []string {
	ids := make([]string, 0, len(roster))
	for _, p := range roster {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestClient_Relay(t *testing.T) {
	b := backendtest.Start(t)
	alice, aliceIn := dial(t, b, "alice")
	bob, bobIn := dial(t, b, "bob")
	carol, carolIn := dial(t, b, "carol")

	require.Eventually(t, func() bool {
		return len(alice.Roster()) == 3 && len(bob.Roster()) == 3 && len(carol.Roster()) == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob", "carol"}, rosterIDs(bob.Roster()))
	assert.Equal(t, "bob", bob.LocalIdentity())

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, []byte(`{"topic":"chat"}`), transport.SendOptions{Reliable: true, Topic: "chat"}))
	assert.Equal(t, inbound{data: `{"topic":"chat"}`, sender: "alice", topic: "chat"}, receive(t, bobIn))
	assert.Equal(t, "alice", receive(t, carolIn).sender)

	require.NoError(t, carol.Send(ctx, []byte("direct"), transport.SendOptions{Topic: "rtc-signal", Destination: "alice"}))
	assert.Equal(t, inbound{data: "direct", sender: "carol", topic: "rtc-signal"}, receive(t, aliceIn))
	select {
	case msg := <-bobIn:
		t.Fatalf("unicast leaked to bob: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	err := alice.Send(ctx, make([]byte, alice.MaxDatagramSize()+1), transport.SendOptions{Topic: "chat"})
	assert.ErrorIs(t, err, transport.ErrTooLarge)
	require.NoError(t, alice.Send(ctx, make([]byte, alice.MaxDatagramSize()), transport.SendOptions{Topic: "big"}))
	assert.Len(t, receive(t, bobIn).data, alice.MaxDatagramSize())
}

func TestClient_PublishSources(t *testing.T) {
	b := backendtest.Start(t)
	alice, _ := dial(t, b, "alice")
	bob, _ := dial(t, b, "bob")

	updates := make(chan []model.Participant, 16)
	bob.OnRoster(func(roster []model.Participant) { updates <- roster })

	require.NoError(t, alice.PublishSources(context.Background(), model.SourceCamera, model.SourceScreenShare))
	require.Eventually(t, func() bool {
		for _, p := range bob.Roster() {
			if p.ID == "alice" && p.HasSource(model.SourceScreenShare) {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, updates)
}

func TestClient_Close(t *testing.T) {
	b := backendtest.Start(t)
	alice, _ := dial(t, b, "alice")
	bob, _ := dial(t, b, "bob")
	require.Eventually(t, func() bool { return len(bob.Roster()) == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.Close(), transport.ErrClosed)
	assert.ErrorIs(t, alice.Send(context.Background(), []byte("x"), transport.SendOptions{Topic: "chat"}), transport.ErrClosed)

	select {
	case <-alice.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, rosterIDs(bob.Roster()))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDial_NotAMember(t *testing.T) {
	b := backendtest.Start(t)
	logger := zerolog.Nop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{Logger: &logger, URL: b.RelayURL, Room: "room", Identity: "mallory"})
	assert.ErrorIs(t, err, ErrDial)
}
