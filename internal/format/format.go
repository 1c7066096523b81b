// Package format renders finalized connection records.
//
// Every encoding is a pure function of a stage.Snapshot and the connection
// metadata. Text and CSV carry the same fields in the same order; SQL and JSON
// carry them keyed by the column names in Columns.
package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/loykin/connlog/internal/clock"
	"github.com/loykin/connlog/internal/stage"
)

// Encoding selects how a record is rendered.
type Encoding string

const (
	Text Encoding = "text"
	CSV  Encoding = "csv"
	SQL  Encoding = "sql"
	JSON Encoding = "json"
)

var (
	ErrMalformedKey    = errors.New("malformed connection key")
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// ParseEncoding maps a configuration value onto an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case Text, CSV, SQL, JSON:
		return e, nil
	case "":
		return Text, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
	}
}

// DefaultTable is the table INSERT statements target when none is configured.
const DefaultTable = "connections"

// Columns is the fixed record schema. The first column is assigned by the
// database and never rendered.
var Columns = []string{
	"id",
	"start_time", "duration", "uplink_mark", "protocol",
	"src_ip", "src_port", "dst_ip", "dst_port",
	"total_packets", "total_bytes", "status", "conn_id",
	"init", "decision", "replay", "forward", "proxy",
}

// Key is a parsed src_ip:src_port:dst_ip:dst_port connection key.
type Key struct {
	SrcIP   string
	SrcPort string
	DstIP   string
	DstPort string
}

// ParseKey splits a connection key into its four components.
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: %q has %d components", ErrMalformedKey, key, len(parts))
	}
	return Key{SrcIP: parts[0], SrcPort: parts[1], DstIP: parts[2], DstPort: parts[3]}, nil
}

// ProtocolName renders well-known transport numbers by name.
func ProtocolName(p uint8) string {
	switch p {
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	default:
		return strconv.Itoa(int(p))
	}
}

// Placeholders for stages the connection never reached. Their shape mirrors
// the reached rendering so column counts stay stable for parsers.
const (
	placeholder         = ".|.|."
	decisionPlaceholder = ".|."
	replayPlaceholder   = ".|.|.|."
)

// StageField renders one per-stage column.
func StageField(e stage.Entry) string {
	if !e.Reached {
		switch e.Stage {
		case stage.Decision:
			return decisionPlaceholder
		case stage.Replay:
			return replayPlaceholder
		default:
			return placeholder
		}
	}
	dur := seconds(e.Duration)
	switch p := e.Payload.(type) {
	case stage.DecisionInfo:
		return dur + "|" + Label(p.Label)
	case stage.ReplayInfo:
		s := dur + "|" + u64(p.Packets) + "|" + u64(p.Bytes)
		if p.ErrorCode != 0 {
			s += "|error:" + strconv.Itoa(p.ErrorCode)
		}
		return s
	case stage.Traffic:
		return dur + "|" + u64(p.Packets) + "|" + u64(p.Bytes)
	default:
		return dur + "|0|0"
	}
}

// Label makes a free-text decision label safe for the unquoted text and CSV
// lines: separators, whitespace and control characters become '_'.
func Label(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ',' || r == '|', unicode.IsSpace(r), unicode.IsControl(r):
			return '_'
		default:
			return r
		}
	}, s)
}

// Row is a record with every column resolved, ready for a structured sink.
type Row struct {
	StartTime    time.Time
	Duration     time.Duration
	UplinkMark   int
	Protocol     string
	Key          Key
	TotalPackets uint64
	TotalBytes   uint64
	Status       string
	ID           uint64
	Stages       [stage.Tracked]string
}

// NewRow resolves the columns of snap. meta identifies the connection.
func NewRow(snap stage.Snapshot, meta stage.Meta) (Row, error) {
	k, err := ParseKey(meta.Key)
	if err != nil {
		return Row{}, err
	}
	r := Row{
		StartTime:    meta.StartTime,
		Duration:     snap.Total,
		UplinkMark:   meta.UplinkMark,
		Protocol:     ProtocolName(meta.Protocol),
		Key:          k,
		TotalPackets: snap.TotalPackets,
		TotalBytes:   snap.TotalBytes,
		Status:       snap.Status.String(),
		ID:           meta.ID,
	}
	for i, e := range snap.Entries {
		r.Stages[i] = StageField(e)
	}
	return r, nil
}

// fields returns the text/CSV field values in line order.
func (r Row) fields() []string {
	f := make([]string, 0, 12+stage.Tracked)
	f = append(f,
		clock.Timestamp(r.StartTime),
		seconds(r.Duration),
		strconv.Itoa(r.UplinkMark),
		r.Protocol,
		r.Key.SrcIP, r.Key.SrcPort, r.Key.DstIP, r.Key.DstPort,
		u64(r.TotalPackets), u64(r.TotalBytes),
		r.Status,
		u64(r.ID),
	)
	return append(f, r.Stages[:]...)
}

// textSeps[i] follows field i of a human-readable line:
// "ts dur mark proto src:sport -> dst:dport pkts bytes status ** id stages..."
var textSeps = [...]string{
	" ", " ", " ", " ",
	":", " -> ", ":", " ",
	" ", " ", " ** ", " ",
	" ", " ", " ", " ", "\n",
}

// Render renders snap for the connection described by meta.
func Render(snap stage.Snapshot, meta stage.Meta, enc Encoding) ([]byte, error) {
	if enc == SQL {
		return RenderSQL(DefaultTable, snap, meta)
	}
	r, err := NewRow(snap, meta)
	if err != nil {
		return nil, err
	}
	switch enc {
	case Text:
		return join(r.fields(), func(i int) string { return textSeps[i] }), nil
	case CSV:
		fields := r.fields()
		last := len(fields) - 1
		return join(fields, func(i int) string {
			if i == last {
				return "\n"
			}
			return ","
		}), nil
	case JSON:
		return r.document()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, string(enc))
	}
}

// RenderSQL renders an INSERT statement against table. String values are
// single-quoted with embedded quotes doubled.
func RenderSQL(table string, snap stage.Snapshot, meta stage.Meta) ([]byte, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	r, err := NewRow(snap, meta)
	if err != nil {
		return nil, err
	}
	vals := []string{
		strconv.FormatFloat(clock.Seconds(r.StartTime), 'f', 6, 64),
		seconds(r.Duration),
		strconv.Itoa(r.UplinkMark),
		quote(r.Protocol),
		quote(r.Key.SrcIP), quote(r.Key.SrcPort), quote(r.Key.DstIP), quote(r.Key.DstPort),
		u64(r.TotalPackets), u64(r.TotalBytes),
		quote(r.Status),
		u64(r.ID),
	}
	for _, s := range r.Stages {
		vals = append(vals, quote(s))
	}

	head := "INSERT INTO " + table + " (" + strings.Join(Columns[1:], ", ") + ") VALUES ("
	parts := append([]string{head}, vals...)
	last := len(parts) - 1
	return join(parts, func(i int) string {
		switch {
		case i == 0:
			return ""
		case i == last:
			return ");"
		default:
			return ", "
		}
	}), nil
}

// join renders fields each followed by sep(i) into a buffer allocated once at
// the exact final length.
func join(fields []string, sep func(i int) string) []byte {
	n := 0
	for i, f := range fields {
		n += len(f) + len(sep(i))
	}
	buf := make([]byte, 0, n)
	for i, f := range fields {
		buf = append(buf, f...)
		buf = append(buf, sep(i)...)
	}
	return buf
}

// document is the JSON shape of a record: the column names plus an RFC 3339
// timestamp for indexers that want a date field.
type document struct {
	StartTime    float64 `json:"start_time"`
	Timestamp    string  `json:"timestamp"`
	Duration     float64 `json:"duration"`
	UplinkMark   int     `json:"uplink_mark"`
	Protocol     string  `json:"protocol"`
	SrcIP        string  `json:"src_ip"`
	SrcPort      string  `json:"src_port"`
	DstIP        string  `json:"dst_ip"`
	DstPort      string  `json:"dst_port"`
	TotalPackets uint64  `json:"total_packets"`
	TotalBytes   uint64  `json:"total_bytes"`
	Status       string  `json:"status"`
	ConnID       uint64  `json:"conn_id"`
	Init         string  `json:"init"`
	Decision     string  `json:"decision"`
	Replay       string  `json:"replay"`
	Forward      string  `json:"forward"`
	Proxy        string  `json:"proxy"`
}

func (r Row) document() ([]byte, error) {
	d := document{
		StartTime:    clock.Seconds(r.StartTime),
		Timestamp:    r.StartTime.Format(time.RFC3339Nano),
		Duration:     r.Duration.Round(time.Millisecond).Seconds(),
		UplinkMark:   r.UplinkMark,
		Protocol:     r.Protocol,
		SrcIP:        r.Key.SrcIP,
		SrcPort:      r.Key.SrcPort,
		DstIP:        r.Key.DstIP,
		DstPort:      r.Key.DstPort,
		TotalPackets: r.TotalPackets,
		TotalBytes:   r.TotalBytes,
		Status:       r.Status,
		ConnID:       r.ID,
		Init:         r.Stages[stage.Init],
		Decision:     r.Stages[stage.Decision],
		Replay:       r.Stages[stage.Replay],
		Forward:      r.Stages[stage.Forward],
		Proxy:        r.Stages[stage.Proxy],
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
