// Package filetransfer moves files over a channel with a per-datagram size
// ceiling.
//
// A transfer is one file-metadata message followed by totalChunks
// file-chunk messages carrying base64 encoded slices of the payload:
//
//	{"topic":"file-transfer","action":"file-metadata","fileId":"...","name":"a.pdf","mimeType":"application/pdf","size":120000,"totalChunks":3}
//	{"topic":"file-transfer","action":"file-chunk","fileId":"...","chunkIndex":0,"totalChunks":3,"data":"JVBERi0x..."}
package filetransfer

import (
	"errors"
)

const (
	Topic          = "file-transfer"
	ActionMetadata = "file-metadata"
	ActionChunk    = "file-chunk"
)

var (
	ErrTooLarge      = errors.New("file exceeds maximum transfer size")
	ErrChunkTooLarge = errors.New("chunk does not fit into a datagram")
	ErrChunkSize     = errors.New("chunk size must be positive")
	ErrSend          = errors.New("unable to send file")
)

// Metadata announces a transfer.
type Metadata struct {
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"totalChunks"`
}

func (Metadata) Required() []string {
	return []string{"fileId", "name", "mimeType", "size", "totalChunks"}
}

func (m Metadata) Validate() error {
	switch {
	case m.FileID == "":
		return errors.New("fileId is required")
	case m.TotalChunks < 1:
		return errors.New("totalChunks must be positive")
	case m.Size < 0:
		return errors.New("size must not be negative")
	}
	return nil
}

// Chunk carries one slice of a file.
type Chunk struct {
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

func (Chunk) Required() []string {
	return []string{"fileId", "chunkIndex", "totalChunks", "data"}
}

func (c Chunk) Validate() error {
	switch {
	case c.FileID == "":
		return errors.New("fileId is required")
	case c.TotalChunks < 1:
		return errors.New("totalChunks must be positive")
	}
	return nil
}

// File is a completed transfer.
type File struct {
	FileID   string
	Name     string
	MimeType string
	Sender   string
	Data     []byte
}

// TotalChunks returns number of chunks size bytes are split into.
// Empty payload still takes one chunk.
func TotalChunks(size, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	return (size + chunkSize - 1) / chunkSize
}

// Split cuts payload into chunks of chunkSize bytes, the last one may be
// shorter. Chunks share memory with payload.
func Split(payload []byte, chunkSize int) [][]byte {
	n := TotalChunks(len(payload), chunkSize)
	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(payload))
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
