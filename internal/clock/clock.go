package clock

import (
	"sync"
	"time"
)

// TimestampLayout renders wall-clock times with microsecond precision.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// archiveLayout is the suffix appended to rotated log files.
const archiveLayout = "20060102_1504"

// Clock supplies wall-clock timestamps.
type Clock interface {
	Now() time.Time
}

// Bucket is the hour-resolution key used to decide when a log file rolls over.
// The zero value means no bucket has been observed yet.
type Bucket uint64

// System reads the host clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Manual is a settable clock for tests and replays. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock positioned at t.
func NewManual(t time.Time) *Manual { return &Manual{now: t} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Timestamp formats t in local time as YYYY-MM-DD HH:MM:SS.uuuuuu.
func Timestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// BucketOf returns the hour bucket of t in local time: yyyymmddhh as a number.
func BucketOf(t time.Time) Bucket {
	lt := t.Local()
	return Bucket(uint64(lt.Year())*1_000_000 +
		uint64(lt.Month())*10_000 +
		uint64(lt.Day())*100 +
		uint64(lt.Hour()))
}

// ArchiveSuffix returns the YYYYMMDD_HHMM suffix used for rotated files.
func ArchiveSuffix(t time.Time) string {
	return t.Local().Format(archiveLayout)
}

// Seconds converts t into fractional Unix seconds; the zero time yields 0.
func Seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}
