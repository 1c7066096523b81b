package format

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loykin/connlog/internal/clock"
	"github.com/loykin/connlog/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forwardSnapshot(t *testing.T) (stage.Snapshot, stage.Meta) {
	t.Helper()
	r := stage.NewRecord(42, "10.0.0.1:1234:10.0.0.2:80", 6, time.UnixMilli(1000000))
	require.NoError(t, r.Advance(stage.Init, time.UnixMilli(1000050), 1, 60))
	require.NoError(t, r.Advance(stage.Decision, time.UnixMilli(1000100), 1, 60))
	r.SetDecision("rule_A")
	require.NoError(t, r.Advance(stage.Forward, time.UnixMilli(1002100), 50, 4000))
	r.AddTraffic(50, 4000)
	return stage.Finalize(*r), r.Meta
}

func TestRenderCSVForwardExample(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	out, err := Render(snap, meta, CSV)
	require.NoError(t, err)

	want := clock.Timestamp(meta.StartTime) +
		",2.100,0,TCP,10.0.0.1,1234,10.0.0.2,80,50,4000,FORWARD,42," +
		"0.050|1|60,0.050|rule_A,.|.|.|.,2.000|49|3940,.|.|.\n"
	assert.Equal(t, want, string(out))
}

func TestRenderTextForwardExample(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	out, err := Render(snap, meta, Text)
	require.NoError(t, err)

	want := clock.Timestamp(meta.StartTime) +
		" 2.100 0 TCP 10.0.0.1:1234 -> 10.0.0.2:80 50 4000 FORWARD ** 42 " +
		"0.050|1|60 0.050|rule_A .|.|.|. 2.000|49|3940 .|.|.\n"
	assert.Equal(t, want, string(out))
}

func TestTextAndCSVCarrySameFields(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	meta.UplinkMark = 3
	text, err := Render(snap, meta, Text)
	require.NoError(t, err)
	csv, err := Render(snap, meta, CSV)
	require.NoError(t, err)

	// undo the text decoration; the timestamp holds one space of its own
	line := strings.TrimSuffix(string(text), "\n")
	line = strings.Replace(line, " ** ", " ", 1)
	line = strings.Replace(line, " -> ", " ", 1)
	ts := clock.Timestamp(meta.StartTime)
	rest := strings.TrimPrefix(line, ts+" ")
	textFields := append([]string{ts}, strings.FieldsFunc(rest, func(r rune) bool { return r == ' ' || r == ':' })...)

	csvFields := strings.Split(strings.TrimSuffix(string(csv), "\n"), ",")
	assert.Equal(t, csvFields, textFields)
	assert.Len(t, csvFields, len(Columns)-1)
}

func TestRenderExactCapacity(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	for _, enc := range []Encoding{Text, CSV, SQL} {
		out, err := Render(snap, meta, enc)
		require.NoError(t, err)
		assert.Equal(t, len(out), cap(out), "encoding %s", enc)
	}
}

func TestRenderSQL(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	snap.Entries[stage.Decision].Payload = stage.DecisionInfo{Label: "o'brien"}

	out, err := RenderSQL("conn_log", snap, meta)
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "INSERT INTO conn_log (start_time, duration, uplink_mark, protocol, src_ip, "), s)
	assert.Contains(t, s, ") VALUES (1000.000000, 2.100, 0, 'TCP', '10.0.0.1', '1234', '10.0.0.2', '80', 50, 4000, 'FORWARD', 42, ")
	assert.Contains(t, s, "'0.050|o''brien'")
	assert.True(t, strings.HasSuffix(s, "'.|.|.');"), s)
	assert.NotContains(t, s, "(id,")

	_, err = RenderSQL("x; DROP TABLE y", snap, meta)
	assert.Error(t, err)
}

func TestRenderJSON(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	out, err := Render(snap, meta, JSON)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	for _, c := range Columns[1:] {
		assert.Contains(t, doc, c)
	}
	assert.Equal(t, "FORWARD", doc["status"])
	assert.Equal(t, "0.050|rule_A", doc["decision"])
	assert.InDelta(t, 2.1, doc["duration"], 1e-9)
}

func TestRenderMalformedKey(t *testing.T) {
	snap, meta := forwardSnapshot(t)
	for _, key := range []string{"", "10.0.0.1:1234", "a:b:c:d:e"} {
		meta.Key = key
		for _, enc := range []Encoding{Text, CSV, SQL, JSON} {
			out, err := Render(snap, meta, enc)
			assert.True(t, errors.Is(err, ErrMalformedKey), "key %q enc %s", key, enc)
			assert.Nil(t, out)
		}
	}
}

func TestRenderDecisionLabelStaysOneLine(t *testing.T) {
	r := stage.NewRecord(42, "10.0.0.1:1234:10.0.0.2:80", 6, time.UnixMilli(1000000))
	require.NoError(t, r.Advance(stage.Init, time.UnixMilli(1000050), 1, 60))
	require.NoError(t, r.Advance(stage.Decision, time.UnixMilli(1000100), 1, 60))
	r.SetDecision("rule,A\ninjected ** x|y")
	snap := stage.Finalize(*r)

	clean, meta := forwardSnapshot(t)
	wantCSV, err := Render(clean, meta, CSV)
	require.NoError(t, err)
	wantText, err := Render(clean, meta, Text)
	require.NoError(t, err)

	csv, err := Render(snap, r.Meta, CSV)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(csv), "\n"))
	assert.Equal(t, strings.Count(string(wantCSV), ","), strings.Count(string(csv), ","))
	assert.Contains(t, string(csv), ",0.050|rule_A_injected_**_x_y,")

	text, err := Render(snap, r.Meta, Text)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(text), "\n"))
	assert.Equal(t, len(strings.Fields(string(wantText))), len(strings.Fields(string(text))))
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{"text": Text, "CSV": CSV, " sql ": SQL, "json": JSON, "": Text} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEncoding("xml")
	assert.True(t, errors.Is(err, ErrUnknownEncoding))

	snap, meta := forwardSnapshot(t)
	_, err = Render(snap, meta, Encoding("xml"))
	assert.True(t, errors.Is(err, ErrUnknownEncoding))
}

func TestProtocolName(t *testing.T) {
	assert.Equal(t, "TCP", ProtocolName(6))
	assert.Equal(t, "UDP", ProtocolName(17))
	assert.Equal(t, "1", ProtocolName(1))
	assert.Equal(t, "132", ProtocolName(132))
}

func TestStageField(t *testing.T) {
	cases := []struct {
		name string
		e    stage.Entry
		want string
	}{
		{"init placeholder", stage.Entry{Stage: stage.Init}, ".|.|."},
		{"decision placeholder", stage.Entry{Stage: stage.Decision}, ".|."},
		{"replay placeholder", stage.Entry{Stage: stage.Replay}, ".|.|.|."},
		{"proxy placeholder", stage.Entry{Stage: stage.Proxy}, ".|.|."},
		{"reached zero activity", stage.Entry{Stage: stage.Forward, Reached: true, Payload: stage.Traffic{}}, "0.000|0|0"},
		{"replay no error", stage.Entry{Stage: stage.Replay, Reached: true, Duration: 1500 * time.Millisecond,
			Payload: stage.ReplayInfo{Traffic: stage.Traffic{Packets: 2, Bytes: 80}}}, "1.500|2|80"},
		{"replay error", stage.Entry{Stage: stage.Replay, Reached: true, Duration: 1500 * time.Millisecond,
			Payload: stage.ReplayInfo{Traffic: stage.Traffic{Packets: 2, Bytes: 80}, ErrorCode: 4}}, "1.500|2|80|error:4"},
		{"decision", stage.Entry{Stage: stage.Decision, Reached: true, Duration: 7 * time.Millisecond,
			Payload: stage.DecisionInfo{Label: "r"}}, "0.007|r"},
		{"decision label separators", stage.Entry{Stage: stage.Decision, Reached: true, Duration: 7 * time.Millisecond,
			Payload: stage.DecisionInfo{Label: "a,b|c d\te\x00"}}, "0.007|a_b_c_d_e_"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StageField(tc.e))
		})
	}
}

func TestRenderStatusNames(t *testing.T) {
	_, meta := forwardSnapshot(t)
	for _, st := range []stage.Stage{stage.Drop, stage.Control, stage.Invalid, stage.Stage(42)} {
		snap := stage.Snapshot{Status: st}
		out, err := Render(snap, meta, CSV)
		require.NoError(t, err)
		fields := strings.Split(string(out), ",")
		want := st.String()
		if st == stage.Stage(42) {
			want = "INVALID"
		}
		assert.Equal(t, want, fields[10])
	}
}
