package filetransfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/adwski/huddle/client/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxSize    = 10 * 1024 * 1024
	DefaultChunkDelay = 10 * time.Millisecond
)

type SendChannel interface {
	Send(ctx context.Context, data []byte, opts transport.SendOptions) error
	MaxDatagramSize() int
}

type SenderConfig struct {
	Logger  *zerolog.Logger
	Channel SendChannel
	// MaxSize is the largest payload accepted, DefaultMaxSize if zero.
	MaxSize int64
	// ChunkSize is the raw bytes per chunk. Zero picks the largest size
	// whose encoded datagram stays below the channel ceiling.
	ChunkSize int
	// ChunkDelay is the pause between chunks, DefaultChunkDelay if zero.
	// Negative disables it.
	ChunkDelay time.Duration
}

type Sender struct {
	ch        SendChannel
	logger    zerolog.Logger
	maxSize   int64
	chunkSize int
	delay     time.Duration
}

func NewSender(cfg SenderConfig) (*Sender, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	delay := cfg.ChunkDelay
	if delay == 0 {
		delay = DefaultChunkDelay
	}

	ceiling := cfg.Channel.MaxDatagramSize()
	overhead := chunkOverhead(TotalChunks(int(maxSize), 1))
	chunkSize := cfg.ChunkSize
	switch {
	case chunkSize < 0:
		return nil, ErrChunkSize
	case chunkSize == 0:
		chunkSize = (ceiling - 1 - overhead) / 4 * 3
		if chunkSize <= 0 {
			return nil, fmt.Errorf("%w: ceiling %d is too small", ErrChunkTooLarge, ceiling)
		}
	default:
		if overhead+base64.StdEncoding.EncodedLen(chunkSize) >= ceiling {
			return nil, fmt.Errorf("%w: %d bytes with ceiling %d", ErrChunkTooLarge, chunkSize, ceiling)
		}
	}

	return &Sender{
		ch:        cfg.Channel,
		logger:    cfg.Logger.With().Str("component", "file-sender").Logger(),
		maxSize:   maxSize,
		chunkSize: chunkSize,
		delay:     delay,
	}, nil
}

func (s *Sender) ChunkSize() int {
	return s.chunkSize
}

// Send transfers data to every participant. Nothing is sent when data is
// larger than the configured maximum.
func (s *Sender) Send(ctx context.Context, name, mimeType string, data []byte) (Metadata, error) {
	if int64(len(data)) > s.maxSize {
		return Metadata{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), s.maxSize)
	}
	fileID, err := uuid.NewV7()
	if err != nil {
		return Metadata{}, errors.Join(ErrSend, err)
	}

	chunks := Split(data, s.chunkSize)
	meta := Metadata{
		FileID:      fileID.String(),
		Name:        name,
		MimeType:    mimeType,
		Size:        int64(len(data)),
		TotalChunks: len(chunks),
	}
	logger := s.logger.With().
		Str("fileId", meta.FileID).
		Str("name", name).
		Int("totalChunks", meta.TotalChunks).
		Logger()

	if err = s.send(ctx, ActionMetadata, meta); err != nil {
		return meta, err
	}
	for i, chunk := range chunks {
		if i > 0 && s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return meta, errors.Join(ErrSend, ctx.Err())
			case <-t.C:
			}
		}
		err = s.send(ctx, ActionChunk, Chunk{
			FileID:      meta.FileID,
			ChunkIndex:  i,
			TotalChunks: meta.TotalChunks,
			Data:        base64.StdEncoding.EncodeToString(chunk),
		})
		if err != nil {
			logger.Error().Err(err).Int("chunkIndex", i).Msg("transfer aborted")
			return meta, err
		}
		logger.Trace().Int("chunkIndex", i).Msg("chunk sent")
	}
	logger.Debug().Int64("size", meta.Size).Msg("file sent")
	return meta, nil
}

func (s *Sender) send(ctx context.Context, action string, payload any) error {
	b, err := codec.Encode(Topic, action, payload)
	if err != nil {
		return errors.Join(ErrSend, err)
	}
	if err = s.ch.Send(ctx, b, transport.SendOptions{Reliable: true, Topic: Topic}); err != nil {
		return errors.Join(ErrSend, err)
	}
	return nil
}

// chunkOverhead is the encoded size of an empty chunk datagram with the
// widest index fields possible for maxChunks.
func chunkOverhead(maxChunks int) int {
	b, err := codec.Encode(Topic, ActionChunk, Chunk{
		FileID:      strings.Repeat("0", len(uuid.Nil.String())),
		ChunkIndex:  maxChunks,
		TotalChunks: maxChunks,
	})
	if err != nil {
		panic(err)
	}
	return len(b)
}
