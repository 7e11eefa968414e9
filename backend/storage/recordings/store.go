// Package recordings keeps recording metadata as flat JSON files next to the
// recorded media, one `<id>_metadata.json` per recording.
package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/rs/zerolog"
)

const (
	metadataSuffix = "_metadata.json"
	videoExt       = ".webm"

	defaultPublicPrefix = "/recordings"
)

var (
	ErrRoomNameRequired  = errors.New("room name is required")
	ErrInvalidID         = errors.New("invalid recording id")
	ErrRecordingNotFound = errors.New("recording is not found")
	ErrWrite             = errors.New("unable to write recording")
	ErrRead              = errors.New("unable to read recording")
)

type Config struct {
	Logger *zerolog.Logger
	Dir    string
	// PublicPrefix is the URL path recorded video files are served under.
	PublicPrefix string
}

type FileStore struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	dir    string
	prefix string
	now    func() time.Time
}

func NewFileStore(cfg Config) *FileStore {
	prefix := cfg.PublicPrefix
	if prefix == "" {
		prefix = defaultPublicPrefix
	}
	return &FileStore{
		logger: cfg.Logger.With().Str("component", "recordings").Logger(),
		mx:     &sync.Mutex{},
		dir:    cfg.Dir,
		prefix: strings.TrimSuffix(prefix, "/"),
		now:    time.Now,
	}
}

// CreateRecording persists a new metadata record with status "recording".
func (fst *FileStore) CreateRecording(_ context.Context, roomName string) (string, error) {
	if roomName == "" {
		return "", ErrRoomNameRequired
	}
	fst.mx.Lock()
	defer fst.mx.Unlock()

	if err := os.MkdirAll(fst.dir, 0o755); err != nil {
		return "", errors.Join(ErrWrite, err)
	}

	start := fst.now()
	rec := model.Recording{
		RecordingID: fmt.Sprintf("%s_%d", roomName, start.UnixMilli()),
		RoomName:    roomName,
		StartTime:   start,
		Status:      model.RecordingStatusRecording,
	}
	if err := validateID(rec.RecordingID); err != nil {
		return "", err
	}
	if err := fst.write(&rec); err != nil {
		return "", err
	}
	fst.logger.Debug().
		Str("recordingID", rec.RecordingID).
		Str("room", roomName).
		Msg("recording created")
	return rec.RecordingID, nil
}

// FinalizeRecording sets end time, duration, video location and completed status.
func (fst *FileStore) FinalizeRecording(_ context.Context, recordingID string) error {
	if err := validateID(recordingID); err != nil {
		return err
	}
	fst.mx.Lock()
	defer fst.mx.Unlock()

	rec, err := fst.read(recordingID)
	if err != nil {
		return err
	}
	end := fst.now()
	rec.EndTime = &end
	rec.Status = model.RecordingStatusCompleted
	rec.Duration = end.Sub(rec.StartTime).Milliseconds()
	rec.VideoFile = recordingID + videoExt
	rec.VideoPath = fst.prefix + "/" + rec.VideoFile
	if err = fst.write(rec); err != nil {
		return err
	}
	fst.logger.Debug().
		Str("recordingID", recordingID).
		Int64("duration", rec.Duration).
		Msg("recording finalized")
	return nil
}

// ListRecordings returns all metadata records, newest first.
func (fst *FileStore) ListRecordings(_ context.Context) ([]model.Recording, error) {
	fst.mx.Lock()
	defer fst.mx.Unlock()

	entries, err := os.ReadDir(fst.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.Recording{}, nil
		}
		return nil, errors.Join(ErrRead, err)
	}
	recs := make([]model.Recording, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataSuffix) {
			continue
		}
		rec, errR := fst.read(strings.TrimSuffix(e.Name(), metadataSuffix))
		if errR != nil {
			fst.logger.Warn().Err(errR).Str("file", e.Name()).Msg("skipping unreadable metadata")
			continue
		}
		recs = append(recs, *rec)
	}
	slices.SortFunc(recs, func(a, b model.Recording) int {
		return b.StartTime.Compare(a.StartTime)
	})
	return recs, nil
}

// StoreRecordingBlob writes recorded media of an existing recording.
func (fst *FileStore) StoreRecordingBlob(_ context.Context, recordingID string, data []byte) error {
	if err := validateID(recordingID); err != nil {
		return err
	}
	fst.mx.Lock()
	defer fst.mx.Unlock()

	if _, err := os.Stat(fst.metadataPath(recordingID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrRecordingNotFound
		}
		return errors.Join(ErrRead, err)
	}
	if err := os.WriteFile(filepath.Join(fst.dir, recordingID+videoExt), data, 0o644); err != nil {
		return errors.Join(ErrWrite, err)
	}
	fst.logger.Debug().
		Str("recordingID", recordingID).
		Int("size", len(data)).
		Msg("recording blob stored")
	return nil
}

func (fst *FileStore) metadataPath(recordingID string) string {
	return filepath.Join(fst.dir, recordingID+metadataSuffix)
}

func (fst *FileStore) read(recordingID string) (*model.Recording, error) {
	b, err := os.ReadFile(fst.metadataPath(recordingID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrRecordingNotFound
		}
		return nil, errors.Join(ErrRead, err)
	}
	var rec model.Recording
	if err = json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Join(ErrRead, err)
	}
	return &rec, nil
}

func (fst *FileStore) write(rec *model.Recording) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Join(ErrWrite, err)
	}
	if err = os.WriteFile(fst.metadataPath(rec.RecordingID), b, 0o644); err != nil {
		return errors.Join(ErrWrite, err)
	}
	return nil
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidID
	}
	return nil
}
