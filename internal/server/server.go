// Package server exposes query evaluation over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/feasibility/internal/cache"
	"github.com/ehr/feasibility/internal/feasibility"
	"github.com/ehr/feasibility/internal/parser"
	"github.com/ehr/feasibility/internal/platform/db"
	"github.com/ehr/feasibility/internal/platform/middleware"
	"github.com/ehr/feasibility/internal/platform/telemetry"
	"github.com/ehr/feasibility/internal/query"
)

// Options configures the HTTP server.
type Options struct {
	Service   *feasibility.Service
	Cache     *cache.Cache
	Telemetry *telemetry.Provider
	// DB enables GET /health/db.
	DB     db.Pinger
	Logger zerolog.Logger

	BodyLimit      string
	RequestTimeout time.Duration
}

// New builds the echo instance with middleware and routes.
func New(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(opts.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(opts.Logger))
	e.Use(opts.Telemetry.Middleware())
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	e.Use(middleware.RequestTimeout(opts.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.DB != nil {
		e.GET("/health/db", db.HealthHandler(opts.DB))
	}
	if opts.Telemetry != nil {
		e.GET("/metrics", opts.Telemetry.Handler())
	}

	NewHandler(opts.Service, opts.Cache, opts.Logger).RegisterRoutes(e)
	return e
}

// Handler provides the query and cache endpoints.
type Handler struct {
	svc   *feasibility.Service
	cache *cache.Cache
	log   zerolog.Logger
}

// NewHandler creates a new handler. cache may be nil.
func NewHandler(svc *feasibility.Service, c *cache.Cache, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, cache: c, log: logger.With().Str("component", "http").Logger()}
}

// RegisterRoutes registers the query and cache routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/query/execute", h.Execute)
	e.POST("/query/compile", h.Compile)
	e.DELETE("/cache", h.ClearCache)
	e.GET("/cache/stats", h.CacheStats)
}

// CountResponse is the body of POST /query/execute.
type CountResponse struct {
	Count int `json:"count"`
}

// CompileResponse is the body of POST /query/compile.
type CompileResponse struct {
	Queries []string `json:"queries"`
}

// CacheStatsResponse is the body of GET /cache/stats.
type CacheStatsResponse struct {
	Entries     int        `json:"entries"`
	Hits        uint64     `json:"hits"`
	Misses      uint64     `json:"misses"`
	Evictions   uint64     `json:"evictions"`
	LastCleanup *time.Time `json:"lastCleanup,omitempty"`
}

// Execute handles POST /query/execute.
func (h *Handler) Execute(c echo.Context) error {
	format, body, err := readQuery(c)
	if err != nil {
		return err
	}

	n, err := h.svc.Count(c.Request().Context(), format, body)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// Compile handles POST /query/compile.
func (h *Handler) Compile(c echo.Context) error {
	format, body, err := readQuery(c)
	if err != nil {
		return err
	}

	queries, err := h.svc.Compile(format, body)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, CompileResponse{Queries: queries})
}

// ClearCache handles DELETE /cache.
func (h *Handler) ClearCache(c echo.Context) error {
	if h.cache == nil {
		return c.NoContent(http.StatusNoContent)
	}
	n := h.cache.Size()
	h.cache.DeleteAll()
	h.log.Info().Int("entries", n).Msg("cache cleared")
	return c.NoContent(http.StatusNoContent)
}

// CacheStats handles GET /cache/stats.
func (h *Handler) CacheStats(c echo.Context) error {
	if h.cache == nil {
		return c.JSON(http.StatusOK, CacheStatsResponse{})
	}
	s := h.cache.Stats()
	resp := CacheStatsResponse{
		Entries:   s.Entries,
		Hits:      s.Hits,
		Misses:    s.Misses,
		Evictions: s.Evictions,
	}
	if !s.LastCleanup.IsZero() {
		resp.LastCleanup = &s.LastCleanup
	}
	return c.JSON(http.StatusOK, resp)
}

// readQuery picks the format from ?format, falling back to the content
// type, and reads the body.
func readQuery(c echo.Context) (parser.Format, []byte, error) {
	format := parser.FormatCSQ
	if f := c.QueryParam("format"); f != "" {
		var err error
		if format, err = parser.ParseFormat(f); err != nil {
			return "", nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	} else if isXML(c.Request().Header.Get(echo.HeaderContentType)) {
		format = parser.FormatI2B2
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return "", nil, he
		}
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "request body is required")
	}
	return format, body, nil
}

func isXML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == echo.MIMETextXML || mt == echo.MIMEApplicationXML
}

// httpError maps evaluation errors to status codes.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case query.IsQueryError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, query.ErrTransportFailure):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "query evaluation exceeded the time limit")
	case errors.Is(err, context.Canceled):
		// client went away
		return echo.NewHTTPError(499, "request canceled")
	}

	rid, _ := c.Get("request_id").(string)
	h.log.Error().Err(err).Str("request_id", rid).Msg("query evaluation failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
