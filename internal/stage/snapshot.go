package stage

import "time"

// Payload is the stage-specific part of an Entry. It is one of Traffic,
// Decision or ReplayInfo, selected by the entry's stage.
type Payload interface {
	isPayload()
}

// Traffic holds the packets and bytes a stage added.
type Traffic struct {
	Packets uint64
	Bytes   uint64
}

// DecisionInfo carries the classification label instead of counters.
type DecisionInfo struct {
	Label string
}

// ReplayInfo is Traffic plus the replay error code (0 when none).
type ReplayInfo struct {
	Traffic
	ErrorCode int
}

func (Traffic) isPayload()      {}
func (DecisionInfo) isPayload() {}
func (ReplayInfo) isPayload()   {}

// Entry is one tracked stage of a finalized connection.
type Entry struct {
	Stage    Stage
	Reached  bool
	Duration time.Duration
	Payload  Payload // nil when not reached
}

// Snapshot is the immutable lifecycle record of a terminated connection.
type Snapshot struct {
	Meta         Meta
	Status       Stage
	Entries      [Tracked]Entry
	Total        time.Duration
	TotalPackets uint64
	TotalBytes   uint64
}

// Finalize computes the lifecycle record of r. The caller decides that the
// connection is done; Finalize neither mutates r nor fails on partial records.
//
// Durations chain from the start time: a reached stage with a timestamp
// measures from the previous timestamped stage and becomes the new anchor.
// A stage without a timestamp (or one not after the anchor) contributes zero
// and leaves the anchor alone, so durations are never negative. Advance clamps
// times to the start time; only a hand-built Record can carry a positive
// timestamp earlier than the anchor, and that stage is still reached.
// Counters are reported as deltas against the previous reached stage.
func Finalize(r Record) Snapshot {
	snap := Snapshot{
		Meta:         r.Meta,
		Status:       r.Current,
		TotalPackets: r.TotalPackets,
		TotalBytes:   r.TotalBytes,
	}

	last := Proxy
	if r.Current < last {
		last = r.Current
	}
	if r.Current < Init {
		last = Init - 1
	}

	anchor := r.StartTime
	var prevPackets, prevBytes uint64
	for i := 0; i < Tracked; i++ {
		s := Stage(i)
		e := Entry{Stage: s}
		if s <= last && r.reached(s) {
			p := r.Points[s]
			e.Reached = true
			if p.Time.UnixMicro() > 0 && p.Time.After(anchor) {
				e.Duration = p.Time.Sub(anchor)
				anchor = p.Time
			}
			tr := Traffic{Packets: delta(p.Packets, prevPackets), Bytes: delta(p.Bytes, prevBytes)}
			switch s {
			case Decision:
				e.Payload = DecisionInfo{Label: r.DecisionLabel}
			case Replay:
				e.Payload = ReplayInfo{Traffic: tr, ErrorCode: r.ReplayError}
			default:
				e.Payload = tr
			}
			if p.Packets > prevPackets {
				prevPackets = p.Packets
			}
			if p.Bytes > prevBytes {
				prevBytes = p.Bytes
			}
		}
		snap.Entries[i] = e
	}
	if anchor.After(r.StartTime) {
		snap.Total = anchor.Sub(r.StartTime)
	}
	return snap
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// Reached returns the entries that carry observations, in stage order.
func (s Snapshot) Reached() []Entry {
	out := make([]Entry, 0, Tracked)
	for _, e := range s.Entries {
		if e.Reached {
			out = append(out, e)
		}
	}
	return out
}
