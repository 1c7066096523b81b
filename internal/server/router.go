package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/connlog/internal/dispatch"
	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/metrics"
	"github.com/loykin/connlog/internal/stage"
)

// Logger is the part of the connection logger the admin API drives.
type Logger interface {
	Finalize(ctx context.Context, r *stage.Record) error
	Rotate() error
	Output() dispatch.Config
}

// Router provides embeddable HTTP handlers for operating a connection logger.
// Endpoints:
//   POST {basePath}/rotate       roll the connection log over now
//   POST {basePath}/connections  body: stage.Record JSON; finalize and emit it
//   POST {basePath}/render       body: stage.Record JSON, query: format=text|csv|sql|json
//   GET  {basePath}/status       current output and encoding
//   GET  {basePath}/healthz
//   GET  {basePath}/metrics      Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	log      Logger
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/rotate, /api/healthz, ...
func NewRouter(l Logger, basePath string) *Router {
	return &Router{log: l, basePath: sanitizeBase(basePath), metrics: metrics.Handler()}
}

// WithMetricsHandler replaces the default registry handler served at /metrics.
func (r *Router) WithMetricsHandler(h http.Handler) *Router {
	r.metrics = h
	return r
}

// BasePath is the sanitized prefix every route is mounted under.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/rotate", r.handleRotate)
	group.POST("/connections", r.handleConnection)
	group.POST("/render", r.handleRender)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(r.metrics))
	return g
}

// MountEcho serves the router from an echo instance under its base path.
func (r *Router) MountEcho(e *echo.Echo) {
	h := echo.WrapHandler(r.Handler())
	base := r.basePath
	if base == "" {
		e.Any("/*", h)
		return
	}
	e.Any(base, h)
	e.Any(base+"/*", h)
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr, basePath string, l Logger) (*http.Server, error) {
	r := NewRouter(l, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Output   string `json:"output"`
	Encoding string `json:"encoding"`
	Table    string `json:"table,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

func (r *Router) handleRotate(c *gin.Context) {
	err := r.log.Rotate()
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, dispatch.ErrRotateUnsupported):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func bindRecord(c *gin.Context) (*stage.Record, bool) {
	var rec stage.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return nil, false
	}
	if rec.Key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key required"})
		return nil, false
	}
	if _, err := format.ParseKey(rec.Key); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return nil, false
	}
	return &rec, true
}

func (r *Router) handleConnection(c *gin.Context) {
	rec, ok := bindRecord(c)
	if !ok {
		return
	}
	if err := r.log.Finalize(c.Request.Context(), rec); err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRender(c *gin.Context) {
	enc, err := format.ParseEncoding(c.Query("format"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	rec, ok := bindRecord(c)
	if !ok {
		return
	}
	out, err := format.Render(stage.Finalize(*rec), rec.Meta, enc)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ct := "text/plain; charset=utf-8"
	if enc == format.JSON {
		ct = "application/json"
	}
	c.Data(http.StatusOK, ct, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	cfg := r.log.Output()
	resp := statusResp{Output: cfg.Output, Encoding: string(cfg.Encoding)}
	if cfg.Encoding == "" {
		resp.Encoding = "row"
	}
	if cfg.Encoding == format.SQL || cfg.Encoding == "" {
		resp.Table = cfg.Table
	}
	if cfg.Timeout > 0 {
		resp.Timeout = cfg.Timeout.String()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
