// Package rotate owns the append-only connection log file and rolls it over
// when the hour changes or an operator asks for it.
package rotate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/connlog/internal/clock"
	"github.com/loykin/connlog/internal/metrics"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("connection log closed")

// Triggers, as reported to metrics and the debug channel.
const (
	TriggerTime   = "time"
	TriggerSignal = "signal"
)

// Config locates the log file.
type Config struct {
	Dir      string `mapstructure:"dir"`
	Name     string `mapstructure:"file"`
	Rotation bool   `mapstructure:"rotation"` // roll over when the hour bucket changes
}

// OpenError reports a failure to open the log at startup. It is fatal: the
// process has nowhere to write records.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open connection log %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// File is the rotating connection log. It is safe for concurrent use: the
// bucket check, any rotation and the append run under one lock, so no record
// lands in a file that is being rotated.
type File struct {
	mu     sync.Mutex
	path   string
	timed  bool
	clock  clock.Clock
	log    *slog.Logger
	rename func(oldpath, newpath string) error

	f      *os.File // nil while CLOSED
	bucket clock.Bucket
	done   bool
}

// Option customizes Open.
type Option func(*File)

// WithClock sets the clock used for buckets and archive names.
func WithClock(c clock.Clock) Option { return func(f *File) { f.clock = c } }

// WithLogger sets where rotation diagnostics go.
func WithLogger(l *slog.Logger) Option { return func(f *File) { f.log = l } }

// Open resolves cfg and opens the log for appending. Failures are returned as
// *OpenError.
func Open(cfg Config, opts ...Option) (*File, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if cfg.Name == "" {
		return nil, &OpenError{Path: dir, Err: errors.New("no log file configured")}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &OpenError{Path: dir, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &OpenError{Path: abs, Err: err}
	}
	if !info.IsDir() {
		return nil, &OpenError{Path: abs, Err: errors.New("not a directory")}
	}

	f := &File{
		path:   filepath.Join(abs, cfg.Name),
		timed:  cfg.Rotation,
		clock:  clock.System{},
		log:    slog.New(slog.DiscardHandler),
		rename: os.Rename,
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.openLocked(); err != nil {
		return nil, &OpenError{Path: f.path, Err: err}
	}
	return f, nil
}

// Path is the base file name records are appended to.
func (f *File) Path() string { return f.path }

// Bucket returns the last observed hour bucket; 0 before the first check.
func (f *File) Bucket() clock.Bucket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bucket
}

// Write appends one complete record with a single write. With time rotation
// enabled the bucket is checked first. A sink left closed by a failed reopen
// is reopened here.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return 0, ErrClosed
	}
	if f.timed {
		f.checkLocked(f.clock.Now())
	}
	if f.f == nil {
		if err := f.openLocked(); err != nil {
			f.log.Error("connection log unavailable", "path", f.path, "error", err)
			return 0, err
		}
		f.log.Info("connection log re-opened", "path", f.path)
	}
	n, err := f.f.Write(p)
	if err != nil {
		f.log.Error("append failed", "path", f.path, "error", err)
		return n, fmt.Errorf("append %s: %w", f.path, err)
	}
	return n, nil
}

// CheckRotation rotates when the current hour bucket differs from the last
// one seen. The first observation only records the bucket. It reports
// whether a rotation happened.
func (f *File) CheckRotation() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false, ErrClosed
	}
	return f.checkLocked(f.clock.Now())
}

// Rotate rolls the file over now, whatever the bucket.
func (f *File) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return ErrClosed
	}
	f.log.Info("rotation requested")
	return f.rotateLocked(f.clock.Now(), TriggerSignal)
}

// Close flushes and closes the file. Later writes fail with ErrClosed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true
	if f.f == nil {
		return nil
	}
	err := f.f.Sync()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	f.f = nil
	return err
}

func (f *File) checkLocked(now time.Time) (bool, error) {
	b := clock.BucketOf(now)
	if f.bucket == 0 {
		f.bucket = b
		f.log.Debug("rotation bucket initialized", "bucket", uint64(b))
		return false, nil
	}
	if b == f.bucket {
		return false, nil
	}
	f.log.Info("hour changed, rotating", "from", uint64(f.bucket), "to", uint64(b))
	return true, f.rotateLocked(now, TriggerTime)
}

// rotateLocked closes the current handle, renames it to its archive name and
// reopens the base name. A failed rename leaves records flowing into the
// original file; a failed reopen leaves the sink closed until the next write.
func (f *File) rotateLocked(now time.Time, trigger string) error {
	if f.f != nil {
		if err := f.f.Close(); err != nil {
			f.log.Warn("close before rotation failed", "path", f.path, "error", err)
		}
		f.f = nil
	}

	archive := f.archiveName(now)
	f.log.Info("rotating connection log", "from", f.path, "to", archive)
	var renameErr error
	if err := f.rename(f.path, archive); err != nil {
		renameErr = fmt.Errorf("rename %s: %w", f.path, err)
		metrics.IncRotationFailure("rename")
		f.log.Error("can't rename connection log", "path", f.path, "archive", archive, "error", err)
	}

	f.bucket = clock.BucketOf(now)
	if err := f.openLocked(); err != nil {
		metrics.IncRotationFailure("reopen")
		f.log.Error("can't re-open connection log", "path", f.path, "error", err)
		return errors.Join(renameErr, fmt.Errorf("reopen %s: %w", f.path, err))
	}
	if renameErr != nil {
		return renameErr
	}
	metrics.IncRotation(trigger)
	f.log.Info("connection log re-opened", "bucket", uint64(f.bucket))
	return nil
}

// archiveName is {path}.{YYYYMMDD_HHMM}; an existing archive gets a numeric
// suffix so it is never overwritten. Any Lstat failure other than "exists"
// ends the probe at the bare name and leaves rename to report it.
func (f *File) archiveName(now time.Time) string {
	base := f.path + "." + clock.ArchiveSuffix(now)
	name := base
	for i := 1; i <= maxArchiveSuffix; i++ {
		if _, err := os.Lstat(name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return name
			}
			return base
		}
		name = base + "." + strconv.Itoa(i)
	}
	return base
}

const maxArchiveSuffix = 1000

func (f *File) openLocked() error {
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	f.f = fh
	return nil
}
