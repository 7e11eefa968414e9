package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, tx <-chan model.Datagram) model.Datagram {
	t.Helper()
	select {
	case dg := <-tx:
		return dg
	case <-time.After(2 * time.Second):
		t.Fatal("datagram was not delivered")
	}
	return model.Datagram{}
}

func bufferedWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Datagram),
		TX: make(chan model.Datagram, 16),
	}
}

func TestSwitch_Forward(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	a, b, c := bufferedWire(), bufferedWire(), bufferedWire()
	require.NoError(t, sw.Connect(ctx, "room", "a", a))
	require.NoError(t, sw.Connect(ctx, "room", "b", b))
	require.NoError(t, sw.Connect(ctx, "room", "c", c))

	// broadcast reaches everyone but the source
	go func() { a.RX <- model.Datagram{SRC: "a", Topic: "chat", Data: []byte("hi")} }()
	gotB := recv(t, b.TX)
	gotC := recv(t, c.TX)
	assert.Equal(t, "hi", string(gotB.Data))
	assert.Equal(t, "a", gotC.SRC)
	select {
	case dg := <-a.TX:
		t.Fatalf("source received own datagram: %v", dg)
	case <-time.After(50 * time.Millisecond):
	}

	// unicast reaches only dst
	go func() { b.RX <- model.Datagram{SRC: "b", DST: "c", Topic: "rtc-signal"} }()
	gotC = recv(t, c.TX)
	assert.Equal(t, "b", gotC.SRC)
	select {
	case dg := <-a.TX:
		t.Fatalf("unexpected datagram: %v", dg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSwitch_Control(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	got := make(chan model.Datagram, 1)
	sw.OnControl(func(_ context.Context, instance string, dg model.Datagram) {
		assert.Equal(t, "room", instance)
		got <- dg
	})

	a, b := model.NewWire(), model.NewWire()
	require.NoError(t, sw.Connect(ctx, "room", "a", a))
	require.NoError(t, sw.Connect(ctx, "room", "b", b))

	go func() { a.RX <- model.Datagram{SRC: "a", Topic: model.TopicPublish} }()
	dg := recv(t, got)
	assert.Equal(t, "a", dg.SRC)
	select {
	case dg = <-b.TX:
		t.Fatalf("system datagram leaked to peer: %v", dg)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sw.Disconnect("room", "a"))
	require.NoError(t, sw.Disconnect("room", "b"))
	sw.mx.RLock()
	assert.Empty(t, sw.fwd)
	sw.mx.RUnlock()
}
