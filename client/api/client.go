// Package api is a client of the room backend HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/adwski/huddle/backend/model"
	httpServer "github.com/adwski/huddle/backend/server/http"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 30 * time.Second

var (
	ErrRequest  = errors.New("api request failed")
	ErrResponse = errors.New("api returned error")
)

type Config struct {
	Logger *zerolog.Logger
	// URL is the API base address, e.g. http://localhost:8080.
	URL string
	// HTTPClient defaults to a client with request timeout.
	HTTPClient *http.Client
}

type Client struct {
	base   *url.URL
	hc     *http.Client
	logger zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		base:   base,
		hc:     hc,
		logger: cfg.Logger.With().Str("component", "api-client").Logger(),
	}, nil
}

// JoinRoom registers identity as member of room, so the relay accepts it.
func (c *Client) JoinRoom(ctx context.Context, roomID, identity, name string) error {
	return c.postJSON(ctx, "/api/room", &httpServer.JoinRequest{
		RoomID: roomID,
		UserID: identity,
		Name:   name,
	}, nil)
}

func (c *Client) Roster(ctx context.Context, roomID string) ([]model.Participant, error) {
	var roster []model.Participant
	if err := c.get(ctx, "/api/room/"+url.PathEscape(roomID), &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

func (c *Client) CreateRecording(ctx context.Context, roomName string) (string, error) {
	var resp httpServer.RecordingResponse
	if err := c.postJSON(ctx, "/api/recording/start", &httpServer.StartRecordingRequest{RoomName: roomName}, &resp); err != nil {
		return "", err
	}
	return resp.RecordingID, nil
}

func (c *Client) FinalizeRecording(ctx context.Context, recordingID string) error {
	return c.postJSON(ctx, "/api/recording/stop", &httpServer.StopRecordingRequest{RecordingID: recordingID}, nil)
}

func (c *Client) ListRecordings(ctx context.Context) ([]model.Recording, error) {
	var list httpServer.RecordingList
	if err := c.get(ctx, "/api/recording/list", &list); err != nil {
		return nil, err
	}
	return list.Recordings, nil
}

// StoreRecordingBlob uploads recorded media as multipart form.
func (c *Client) StoreRecordingBlob(ctx context.Context, recordingID string, data []byte) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("recordingId", recordingID); err != nil {
		return errors.Join(ErrRequest, err)
	}
	fw, err := mw.CreateFormFile("video", recordingID+".webm")
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	if _, err = fw.Write(data); err != nil {
		return errors.Join(ErrRequest, err)
	}
	if err = mw.Close(); err != nil {
		return errors.Join(ErrRequest, err)
	}
	return c.do(ctx, http.MethodPost, "/api/recording/upload", mw.FormDataContentType(), body, nil)
}

func (c *Client) get(ctx context.Context, path string, data any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, data)
}

func (c *Client) postJSON(ctx context.Context, path string, req, data any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), data)
}

// do performs request and unpacks data field of the generic response into data.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, data any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	c.logger.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("api call")

	envelope := httpServer.GenericResponse{Data: data}
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &envelope); err != nil && resp.StatusCode == http.StatusOK {
			return errors.Join(ErrRequest, err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		if envelope.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrResponse, resp.Status, envelope.Error)
		}
		return fmt.Errorf("%w: %s", ErrResponse, resp.Status)
	}
	return nil
}
