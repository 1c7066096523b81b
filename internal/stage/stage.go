package stage

import (
	"errors"
	"fmt"
	"time"
)

// Stage is a phase of a connection's lifecycle. Values are ordered: a
// connection only ever moves to a higher stage.
type Stage int

const (
	Init Stage = iota
	Decision
	Replay
	Forward
	Proxy
	// Terminal-only outcomes.
	Drop
	Control
	// Invalid is the catch-all for connections that reached none of the above.
	Invalid
)

// Tracked is the number of stages that carry per-stage timing and counters (Init..Proxy).
const Tracked = int(Proxy) + 1

var names = [...]string{
	Init:     "INIT",
	Decision: "DECISION",
	Replay:   "REPLAY",
	Forward:  "FORWARD",
	Proxy:    "PROXY",
	Drop:     "DROP",
	Control:  "CONTROL",
	Invalid:  "INVALID",
}

// String returns the status name; anything outside the enumeration is INVALID.
func (s Stage) String() string {
	if s < Init || int(s) >= len(names) {
		return names[Invalid]
	}
	return names[s]
}

// Parse maps a status name back to its Stage.
func Parse(name string) (Stage, error) {
	for i, n := range names {
		if n == name {
			return Stage(i), nil
		}
	}
	return Invalid, fmt.Errorf("unknown stage %q", name)
}

// MarshalText renders the stage by name so JSON connection records stay readable.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ErrRegression is returned when a record is asked to move to an earlier stage.
var ErrRegression = errors.New("stage regression")

// Meta identifies a connection.
type Meta struct {
	ID         uint64    `json:"id"`
	Key        string    `json:"key"` // src_ip:src_port:dst_ip:dst_port
	Protocol   uint8     `json:"protocol"`
	UplinkMark int       `json:"uplink_mark"`
	StartTime  time.Time `json:"start_time"`
}

// Point is what was observed up through one stage: when the stage was
// entered and the cumulative packet/byte counters at that moment.
type Point struct {
	Time    time.Time `json:"time"`
	Packets uint64    `json:"packets"`
	Bytes   uint64    `json:"bytes"`
}

// Record is the mutable per-connection state owned by the decision engine.
// It is not safe for concurrent use; a connection is driven by one goroutine.
type Record struct {
	Meta
	Current       Stage          `json:"stage"`
	Points        [Tracked]Point `json:"points"`
	DecisionLabel string         `json:"decision_label,omitempty"`
	ReplayError   int            `json:"replay_error,omitempty"`
	TotalPackets  uint64         `json:"total_packets"`
	TotalBytes    uint64         `json:"total_bytes"`
}

// NewRecord starts tracking a connection first seen at start.
func NewRecord(id uint64, key string, proto uint8, start time.Time) *Record {
	return &Record{
		Meta: Meta{ID: id, Key: key, Protocol: proto, StartTime: start},
	}
}

// Advance moves the connection to s at time at with the given cumulative
// counters. Tracked stages record a Point; terminal outcomes only update
// Current. A zero at leaves the stage without a timestamp. Moving backwards
// returns ErrRegression and leaves r untouched.
func (r *Record) Advance(s Stage, at time.Time, packets, bytes uint64) error {
	if s < r.Current {
		return fmt.Errorf("%w: %s -> %s", ErrRegression, r.Current, s)
	}
	if !at.IsZero() && at.Before(r.StartTime) {
		at = r.StartTime
	}
	if int(s) < Tracked {
		r.Points[s] = Point{Time: at, Packets: packets, Bytes: bytes}
	}
	r.Current = s
	return nil
}

// AddTraffic accumulates running totals.
func (r *Record) AddTraffic(packets, bytes uint64) {
	r.TotalPackets += packets
	r.TotalBytes += bytes
}

// SetDecision attaches the classification chosen by the decision engine.
func (r *Record) SetDecision(label string) { r.DecisionLabel = label }

// SetReplayError records an error raised while replaying.
func (r *Record) SetReplayError(code int) { r.ReplayError = code }

// reached reports whether stage s carries any observation.
func (r *Record) reached(s Stage) bool {
	p := r.Points[s]
	if !p.Time.IsZero() || p.Packets > 0 || p.Bytes > 0 {
		return true
	}
	switch s {
	case Decision:
		return r.DecisionLabel != ""
	case Replay:
		return r.ReplayError != 0
	}
	return false
}
