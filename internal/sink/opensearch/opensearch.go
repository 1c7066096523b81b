package opensearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/sink"
)

// DefaultIndex receives documents when no index is configured.
const DefaultIndex = "connlog"

// Config locates the index.
type Config struct {
	URL     string        `mapstructure:"url"`
	Index   string        `mapstructure:"index"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Sink posts one JSON document per connection to OpenSearch.
// It constructs URL as: baseURL + "/" + index + "/_doc".
// Delivery is best effort; a failed post is returned, not retried.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(cfg Config) *Sink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	index := strings.Trim(cfg.Index, "/")
	if index == "" {
		index = DefaultIndex
	}
	return &Sink{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.URL, "/"),
		index:   index,
	}
}

func (s *Sink) Send(ctx context.Context, e sink.Entry) error {
	body := e.Payload
	if len(body) == 0 {
		b, err := format.Render(e.Snapshot, e.Meta, format.JSON)
		if err != nil {
			return err
		}
		body = b
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
