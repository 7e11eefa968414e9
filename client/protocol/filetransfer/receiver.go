package filetransfer

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/adwski/huddle/client/protocol/codec"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxChunks     = 1 << 16
	DefaultEarlyFiles    = 8
	DefaultEarlyChunkTTL = 30 * time.Second
)

type ReceiverConfig struct {
	Logger *zerolog.Logger
	// OnFile is called once per completed transfer.
	OnFile func(File)
	// MaxChunks bounds totalChunks accepted from metadata and the number
	// of early chunks kept per file.
	MaxChunks int
	// EarlyFiles bounds how many unknown files may have parked chunks.
	EarlyFiles int
	// EarlyTTL is how long parked chunks wait for their metadata.
	EarlyTTL time.Duration
}

type transfer struct {
	meta     Metadata
	sender   string
	chunks   [][]byte
	filled   []bool
	received int
}

// parked holds chunks that arrived before their metadata.
type parked struct {
	sender  string
	created time.Time
	chunks  []Chunk
}

type Receiver struct {
	logger     zerolog.Logger
	onFile     func(File)
	maxChunks  int
	earlyFiles int
	earlyTTL   time.Duration
	now        func() time.Time

	mx       *sync.Mutex
	sessions map[string]*transfer
	early    map[string]*parked
	order    []string
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	r := &Receiver{
		logger:     cfg.Logger.With().Str("component", "file-receiver").Logger(),
		onFile:     cfg.OnFile,
		maxChunks:  cfg.MaxChunks,
		earlyFiles: cfg.EarlyFiles,
		earlyTTL:   cfg.EarlyTTL,
		now:        time.Now,
		mx:         &sync.Mutex{},
		sessions:   make(map[string]*transfer),
		early:      make(map[string]*parked),
	}
	if r.onFile == nil {
		r.onFile = func(File) {}
	}
	if r.maxChunks <= 0 {
		r.maxChunks = DefaultMaxChunks
	}
	if r.earlyFiles <= 0 {
		r.earlyFiles = DefaultEarlyFiles
	}
	if r.earlyTTL <= 0 {
		r.earlyTTL = DefaultEarlyChunkTTL
	}
	return r
}

// Sessions returns number of transfers in progress.
func (r *Receiver) Sessions() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.sessions)
}

// Reset drops every unfinished transfer and parked chunk.
func (r *Receiver) Reset() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.sessions = make(map[string]*transfer)
	r.early = make(map[string]*parked)
	r.order = nil
}

func (r *Receiver) Handle(sender string, msg codec.Message) error {
	var (
		file *File
		err  error
	)
	switch msg.Action {
	case ActionMetadata:
		file, err = r.handleMetadata(sender, msg)
	case ActionChunk:
		file, err = r.handleChunk(sender, msg)
	default:
		return nil
	}
	if err != nil || file == nil {
		return err
	}
	r.logger.Debug().
		Str("fileId", file.FileID).
		Str("sender", sender).
		Int("size", len(file.Data)).
		Msg("file received")
	r.onFile(*file)
	return nil
}

func (r *Receiver) handleMetadata(sender string, msg codec.Message) (*File, error) {
	var meta Metadata
	if err := msg.Bind(&meta); err != nil {
		return nil, err
	}
	if meta.TotalChunks > r.maxChunks {
		r.logger.Debug().
			Str("fileId", meta.FileID).
			Int("totalChunks", meta.TotalChunks).
			Msg("too many chunks, ignoring transfer")
		return nil, nil
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if prev, ok := r.sessions[meta.FileID]; ok {
		if prev.sender != sender {
			r.logger.Debug().
				Str("fileId", meta.FileID).
				Str("sender", sender).
				Str("owner", prev.sender).
				Msg("metadata for transfer of another sender, ignoring")
			return nil, nil
		}
		r.logger.Debug().Str("fileId", meta.FileID).Msg("metadata repeated, restarting transfer")
	}
	t := &transfer{
		meta:   meta,
		sender: sender,
		chunks: make([][]byte, meta.TotalChunks),
		filled: make([]bool, meta.TotalChunks),
	}
	r.sessions[meta.FileID] = t

	p, ok := r.early[meta.FileID]
	if !ok {
		return nil, nil
	}
	r.unpark(meta.FileID)
	if p.sender != sender {
		r.logger.Debug().Str("fileId", meta.FileID).Msg("parked chunks of another sender dropped")
		return nil, nil
	}
	var file *File
	for _, c := range p.chunks {
		if f := r.fill(t, c); f != nil {
			file = f
		}
	}
	return file, nil
}

func (r *Receiver) handleChunk(sender string, msg codec.Message) (*File, error) {
	var c Chunk
	if err := msg.Bind(&c); err != nil {
		return nil, err
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
		r.logger.Debug().
			Str("fileId", c.FileID).
			Int("chunkIndex", c.ChunkIndex).
			Msg("chunk index out of range")
		return nil, nil
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	t, ok := r.sessions[c.FileID]
	if !ok {
		r.park(sender, c)
		return nil, nil
	}
	if t.sender != sender {
		r.logger.Debug().
			Str("fileId", c.FileID).
			Str("sender", sender).
			Msg("chunk from someone other than transfer sender")
		return nil, nil
	}
	return r.fill(t, c), nil
}

// fill stores chunk and returns the file once the last slot is filled.
func (r *Receiver) fill(t *transfer, c Chunk) *File {
	logger := r.logger.With().
		Str("fileId", c.FileID).
		Int("chunkIndex", c.ChunkIndex).
		Logger()

	if c.TotalChunks != t.meta.TotalChunks || c.ChunkIndex >= len(t.chunks) {
		logger.Debug().Int("totalChunks", c.TotalChunks).Msg("chunk does not match transfer")
		return nil
	}
	if t.filled[c.ChunkIndex] {
		logger.Trace().Msg("duplicate chunk")
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		logger.Debug().Err(err).Msg("undecodable chunk data")
		return nil
	}

	t.chunks[c.ChunkIndex] = data
	t.filled[c.ChunkIndex] = true
	t.received++
	if t.received < len(t.chunks) {
		return nil
	}

	delete(r.sessions, t.meta.FileID)
	size := 0
	for _, chunk := range t.chunks {
		size += len(chunk)
	}
	payload := make([]byte, 0, size)
	for _, chunk := range t.chunks {
		payload = append(payload, chunk...)
	}
	if int64(size) != t.meta.Size {
		logger.Warn().
			Int64("declared", t.meta.Size).
			Int("actual", size).
			Msg("file size mismatch")
	}
	return &File{
		FileID:   t.meta.FileID,
		Name:     t.meta.Name,
		MimeType: t.meta.MimeType,
		Sender:   t.sender,
		Data:     payload,
	}
}

func (r *Receiver) park(sender string, c Chunk) {
	r.expire()

	p, ok := r.early[c.FileID]
	if !ok {
		if len(r.order) >= r.earlyFiles {
			oldest := r.order[0]
			r.unpark(oldest)
			r.logger.Debug().Str("fileId", oldest).Msg("early chunks evicted")
		}
		p = &parked{sender: sender, created: r.now()}
		r.early[c.FileID] = p
		r.order = append(r.order, c.FileID)
	}
	if p.sender != sender || len(p.chunks) >= r.maxChunks {
		return
	}
	p.chunks = append(p.chunks, c)
	r.logger.Trace().
		Str("fileId", c.FileID).
		Int("chunkIndex", c.ChunkIndex).
		Msg("chunk parked until metadata arrives")
}

func (r *Receiver) expire() {
	deadline := r.now().Add(-r.earlyTTL)
	for len(r.order) > 0 {
		p := r.early[r.order[0]]
		if p.created.After(deadline) {
			return
		}
		r.logger.Debug().Str("fileId", r.order[0]).Msg("early chunks expired")
		r.unpark(r.order[0])
	}
}

func (r *Receiver) unpark(fileID string) {
	delete(r.early, fileID)
	for i, id := range r.order {
		if id == fileID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
