package sink

import (
	"context"
	"io"
	"sync"

	"github.com/loykin/connlog/internal/rotate"
	"github.com/loykin/connlog/internal/stage"
)

// Entry is one finalized connection on its way to a destination.
// Payload is the record rendered in the encoding the sink was configured
// for; structured sinks read Snapshot and Meta instead.
type Entry struct {
	Snapshot stage.Snapshot
	Meta     stage.Meta
	Payload  []byte
}

// Sink is a destination for connection records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Entry) error
	Close() error
}

// Rotator is implemented by sinks that can roll their output over on demand.
type Rotator interface {
	Rotate() error
}

// Writer sends payloads to a stream such as stdout. Each payload is one
// Write under a lock so concurrent records never interleave. The stream is
// not closed by Close.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (s *Writer) Send(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(e.Payload)
	return err
}

func (s *Writer) Close() error { return nil }

// File sends payloads to the rotating connection log.
type File struct {
	f *rotate.File
}

func NewFile(f *rotate.File) *File { return &File{f: f} }

func (s *File) Send(_ context.Context, e Entry) error {
	_, err := s.f.Write(e.Payload)
	return err
}

// Rotate forces the log to roll over.
func (s *File) Rotate() error { return s.f.Rotate() }

func (s *File) Close() error { return s.f.Close() }
