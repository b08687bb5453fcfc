package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Document is an ingested source awaiting or finished indexing.
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	MediaType  string    `json:"media_type"` // text/plain, text/html, application/pdf
	Content    []byte    `json:"-"`
	Tags       string    `json:"tags"` // JSON array stored as text
	ChunkCount int       `json:"chunk_count"`
	Status     string    `json:"status"` // "pending", "indexed", "failed"
	CreatedAt  time.Time `json:"created_at"`
}

// Pair is one key/value returned by KV.Scan.
type Pair struct {
	Key   string
	Value []byte
}
