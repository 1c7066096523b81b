package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loykin/connlog"
)

// Client talks to the admin API of a running connlog ingester.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL  string // e.g. http://localhost:8081/api
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSConfig
	Insecure bool // accept any server certificate
}

// TLSConfig points at PEM files for a TLS-terminated admin endpoint.
type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
}

// DefaultConfig targets the admin API on its usual local address.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8081/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new admin API client. TLS material that cannot be loaded is
// logged and the client falls back to the default transport settings.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tc, err := config.tlsConfig()
		if err != nil {
			config.Logger.Error("admin client TLS disabled", "error", err)
		} else {
			tr.TLSClientConfig = tc
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: tr},
	}
}

// IsReachable checks if the admin API answers its health probe.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("admin API unreachable", "error", err)
		return false
	}
	return true
}

// Rotate asks the ingester to roll its connection log over now.
func (c *Client) Rotate(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/rotate", nil)
	if err != nil {
		return err
	}
	c.logger.Debug("connection log rotated", "url", c.baseURL)
	return nil
}

// Status returns the output the ingester is writing to.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	b, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Emit hands a finished connection to the ingester for logging.
func (c *Client) Emit(ctx context.Context, r *connlog.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/connections", data)
	return err
}

// Render returns the record encoded the way the ingester would log it,
// without logging it.
func (c *Client) Render(ctx context.Context, r *connlog.Record, enc connlog.Encoding) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/render?format="+url.QueryEscape(string(enc)), data)
}

// tlsConfig builds the transport TLS settings from the client options.
func (cfg Config) tlsConfig() (*tls.Config, error) {
	if cfg.Insecure {
		// #nosec G402
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	tc := &tls.Config{ServerName: cfg.TLS.ServerName}
	if cfg.TLS.CACert != "" {
		pem, err := os.ReadFile(cfg.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA %s: %w", cfg.TLS.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA %s", cfg.TLS.CACert)
		}
		tc.RootCAs = pool
	}
	if cfg.TLS.ClientCert != "" && cfg.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// do performs the request and returns the body of a 200 answer.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", req.URL.String())
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return b, nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(b, &er) == nil {
		apiErr.Message = er.Error
	}
	c.logger.Error("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return nil, apiErr
}
