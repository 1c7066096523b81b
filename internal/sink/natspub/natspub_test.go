package natspub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/connlog/internal/sink"
	"github.com/loykin/connlog/internal/stage"
)

func entry(id uint64) sink.Entry {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := stage.NewRecord(id, "192.0.2.1:40000:198.51.100.7:443", 6, start)
	_ = r.Advance(stage.Init, start.Add(20*time.Millisecond), 1, 60)
	_ = r.Advance(stage.Forward, start.Add(time.Second), 12, 2048)
	r.AddTraffic(12, 2048)
	return sink.Entry{Snapshot: stage.Finalize(*r), Meta: r.Meta}
}

func TestNotConfigured(t *testing.T) {
	s := New(Config{}, nil)
	err := s.Send(context.Background(), entry(1))
	assert.True(t, errors.Is(err, ErrNotConfigured), "got %v", err)
	assert.NoError(t, s.Close())
}

func TestUnreachable(t *testing.T) {
	s := New(Config{URL: "nats://127.0.0.1:1"}, nil)
	defer func() { _ = s.Close() }()
	require.Error(t, s.Send(context.Background(), entry(1)))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Config{URL: "nats://127.0.0.1:1"}, nil)
	assert.ErrorIs(t, s.Send(ctx, entry(1)), context.Canceled)
}

func TestDefaultSubject(t *testing.T) {
	assert.Equal(t, DefaultSubject, New(Config{URL: "nats://x"}, nil).cfg.Subject)
}

func TestNATSSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start NATS container")
	defer func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate NATS container: %v", err)
		}
	}()

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "4222")
	require.NoError(t, err)
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("conn.test", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	s := New(Config{URL: url, Subject: "conn.test"}, nil)
	for id := uint64(1); id <= 2; id++ {
		require.NoError(t, s.Send(ctx, entry(id)))
	}
	require.NoError(t, s.Close())

	for want := uint64(1); want <= 2; want++ {
		select {
		case m := <-msgs:
			var doc map[string]any
			require.NoError(t, json.Unmarshal(m.Data, &doc))
			assert.Equal(t, float64(want), doc["conn_id"])
			assert.Equal(t, "FORWARD", doc["status"])
		case <-time.After(5 * time.Second):
			t.Fatalf("record %d not delivered", want)
		}
	}
}
