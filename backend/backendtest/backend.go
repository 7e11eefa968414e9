// Package backendtest runs the room backend on local test servers.
package backendtest

import (
	"net/http/httptest"
	"strings"
	"testing"

	httpServer "github.com/adwski/huddle/backend/server/http"
	websocketServer "github.com/adwski/huddle/backend/server/websocket"
	"github.com/adwski/huddle/backend/service"
	store "github.com/adwski/huddle/backend/storage/memory"
	"github.com/adwski/huddle/backend/storage/recordings"
	sw "github.com/adwski/huddle/backend/switch"
	"github.com/rs/zerolog"
)

type Backend struct {
	Service    *service.Service
	Recordings *recordings.FileStore
	// APIURL is the http base address of the room API.
	APIURL string
	// RelayURL is the ws base address of the relay.
	RelayURL string
}

// Start serves API and relay until the test ends.
func Start(t testing.TB) *Backend {
	t.Helper()
	logger := zerolog.Nop()

	relaySwitch := sw.NewSwitch(&logger)
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(0),
		Switch:    relaySwitch,
		Logger:    &logger,
	})
	relaySwitch.OnControl(svc.HandleControl)

	recs := recordings.NewFileStore(recordings.Config{Logger: &logger, Dir: t.TempDir()})
	api := httptest.NewServer(httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		RoomService:      svc,
		RecordingService: recs,
	}).Handler)
	t.Cleanup(api.Close)

	relay := httptest.NewServer(websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RelayService: svc,
	}).Handler)
	t.Cleanup(relay.Close)

	return &Backend{
		Service:    svc,
		Recordings: recs,
		APIURL:     api.URL,
		RelayURL:   "ws" + strings.TrimPrefix(relay.URL, "http"),
	}
}
