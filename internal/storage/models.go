package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document status values.
const (
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

type Document struct {
	ID         string
	UserID     string
	Name       string
	Folder     string
	Status     string // "processing", "ready", "failed"
	WordCount  int
	ChunkCount int
	CreatedAt  time.Time
}

// Turn is one recorded question/answer exchange for a document.
type Turn struct {
	ID        string
	DocID     string
	UserID    string
	Question  string
	Answer    string
	CreatedAt time.Time
}

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
