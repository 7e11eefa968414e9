package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/adwski/huddle/backend/storage/recordings"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultMaxUploadSize = 512 << 20
	uploadMemory         = 32 << 20
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	JoinRoom(roomID, userID, name string) (*model.Room, error)
	Roster(roomID string) ([]model.Participant, error)
}

type RecordingService interface {
	CreateRecording(ctx context.Context, roomName string) (string, error)
	FinalizeRecording(ctx context.Context, recordingID string) error
	ListRecordings(ctx context.Context) ([]model.Recording, error)
	StoreRecordingBlob(ctx context.Context, recordingID string, data []byte) error
}

type JoinRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type StartRecordingRequest struct {
	RoomName string `json:"roomName"`
}

type StopRecordingRequest struct {
	RecordingID string `json:"recordingId"`
	RoomName    string `json:"roomName,omitempty"`
}

type RecordingResponse struct {
	RecordingID string `json:"recordingId,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
}

type RecordingList struct {
	Recordings []model.Recording `json:"recordings"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger        zerolog.Logger
	svc           RoomService
	recs          RecordingService
	maxUploadSize int64
	*http.Server
}

type Config struct {
	Logger           *zerolog.Logger
	RoomService      RoomService
	RecordingService RecordingService
	ListenAddr       string
	MaxUploadSize    int64
}

func NewServer(cfg Config) *Server {
	maxUpload := cfg.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadSize
	}
	srv := &Server{
		logger:        cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:           cfg.RoomService,
		recs:          cfg.RecordingService,
		maxUploadSize: maxUpload,
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}
	return srv
}

func (srv *Server) routes() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("POST /api/room", srv.joinRoom)
	r.HandleFunc("GET /api/room/{roomID}", srv.roster)
	r.HandleFunc("POST /api/recording/start", srv.startRecording)
	r.HandleFunc("POST /api/recording/stop", srv.stopRecording)
	r.HandleFunc("POST /api/recording/upload", srv.uploadRecording)
	r.HandleFunc("GET /api/recording/list", srv.listRecordings)
	r.HandleFunc("OPTIONS /", corsHandler)
	return r
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var joinReq JoinRequest
	if !readJSON(r, &joinReq) || joinReq.RoomID == "" || joinReq.UserID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Trace().Any("request", joinReq).Msg("got join request")

	_, err := srv.svc.JoinRoom(joinReq.RoomID, joinReq.UserID, joinReq.Name)
	if err != nil {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) roster(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roster, err := srv.svc.Roster(r.PathValue("roomID"))
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: roster})
}

func (srv *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req StartRecordingRequest
	if !readJSON(r, &req) || req.RoomName == "" {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "Room name is required"})
		return
	}

	id, err := srv.recs.CreateRecording(r.Context(), req.RoomName)
	if err != nil {
		srv.logger.Error().Err(err).Str("room", req.RoomName).Msg("failed to start recording")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "Failed to start recording"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "Recording started",
		Data:    &RecordingResponse{RecordingID: id},
	})
}

func (srv *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req StopRecordingRequest
	if !readJSON(r, &req) || req.RecordingID == "" {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "Recording ID is required"})
		return
	}

	err := srv.recs.FinalizeRecording(r.Context(), req.RecordingID)
	switch {
	case errors.Is(err, recordings.ErrRecordingNotFound):
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
	case errors.Is(err, recordings.ErrInvalidID):
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
	case err != nil:
		srv.logger.Error().Err(err).Str("recordingID", req.RecordingID).Msg("failed to stop recording")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "Failed to stop recording"})
	default:
		srv.writeJSON(w, http.StatusOK, &GenericResponse{
			Message: "Recording stopped and saved",
			Data:    &RecordingResponse{RecordingID: req.RecordingID},
		})
	}
}

func (srv *Server) uploadRecording(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	r.Body = http.MaxBytesReader(w, r.Body, srv.maxUploadSize)
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "Video file and recording ID are required"})
		return
	}
	recordingID := r.FormValue("recordingId")
	video, _, err := r.FormFile("video")
	if err != nil || recordingID == "" {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "Video file and recording ID are required"})
		return
	}
	defer func() {
		_ = video.Close()
	}()
	data, err := io.ReadAll(video)
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "Failed to read video file"})
		return
	}

	err = srv.recs.StoreRecordingBlob(r.Context(), recordingID, data)
	switch {
	case errors.Is(err, recordings.ErrRecordingNotFound):
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
	case errors.Is(err, recordings.ErrInvalidID):
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
	case err != nil:
		srv.logger.Error().Err(err).Str("recordingID", recordingID).Msg("failed to upload recording")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "Failed to upload recording"})
	default:
		srv.writeJSON(w, http.StatusOK, &GenericResponse{
			Message: "Recording uploaded successfully",
			Data:    &RecordingResponse{RecordingID: recordingID, FilePath: "/recordings/" + recordingID + ".webm"},
		})
	}
}

func (srv *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	recs, err := srv.recs.ListRecordings(r.Context())
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to list recordings")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "Failed to list recordings"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: &RecordingList{Recordings: recs}})
}

func readJSON(r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		return false
	}
	return json.Unmarshal(body, v) == nil
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
