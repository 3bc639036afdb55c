package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/feasibility/internal/platform/telemetry"
	"github.com/ehr/feasibility/internal/query"
)

const (
	// DefaultPageCount is the _count hint sent with the first request.
	DefaultPageCount = 500
	// DefaultTimeout bounds every page request.
	DefaultTimeout = 60 * time.Second

	fhirJSON = "application/fhir+json"
)

// ClientConfig configures a SearchClient.
type ClientConfig struct {
	BaseURL    string
	PageCount  int
	Timeout    time.Duration
	MaxRetries int
	Auth       Auth
}

// SearchClient runs paged searches against a FHIR server and streams the
// patient identifiers found in the results.
type SearchClient struct {
	base      *url.URL
	pageCount int
	auth      Auth
	http      *http.Client
	logger    zerolog.Logger
	telemetry *telemetry.Provider
	now       func() time.Time
}

// NewSearchClient creates a client for the server at cfg.BaseURL.
func NewSearchClient(cfg ClientConfig, logger zerolog.Logger, tp *telemetry.Provider) (*SearchClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid FHIR base URL %q", cfg.BaseURL)
	}
	if cfg.PageCount <= 0 {
		cfg.PageCount = DefaultPageCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Auth == nil {
		cfg.Auth = NoAuth{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	logger = logger.With().Str("component", "fhir-client").Logger()

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	retryClient.Logger = retryLogger{logger}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &SearchClient{
		base:      base,
		pageCount: cfg.PageCount,
		auth:      cfg.Auth,
		http:      retryClient.StandardClient(),
		logger:    logger,
		telemetry: tp,
		now:       time.Now,
	}, nil
}

// BaseURL returns the server base the client searches against.
func (c *SearchClient) BaseURL() string { return c.base.String() }

// Search starts a paged search for the query string
// "<ResourceType>?<params>". No request is made until Next is called.
func (c *SearchClient) Search(q string) *IDStream {
	resourceType, params := SplitQuery(q)
	return &IDStream{client: c, query: q, resourceType: resourceType, params: params}
}

// FetchPatientIDs drains a search into a set.
func (c *SearchClient) FetchPatientIDs(ctx context.Context, q string) (query.PatientIDSet, error) {
	ids := query.NewPatientIDSet()
	s := c.Search(q)
	for s.Next(ctx) {
		ids.Add(s.ID())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("query", q).Int("pages", s.Pages()).Int("patients", ids.Len()).Msg("search complete")
	return ids, nil
}

// IDStream is a lazy, forward-only sequence of patient identifiers. Pages
// are requested one at a time as the buffered page is consumed.
//
//	s := client.Search(q)
//	for s.Next(ctx) {
//		use(s.ID())
//	}
//	if err := s.Err(); err != nil { ... }
type IDStream struct {
	client       *SearchClient
	query        string
	resourceType string
	params       string

	started bool
	nextURL string
	buf     []string
	cur     string
	pages   int
	err     error
}

// Next advances to the next identifier, fetching the next page when the
// buffered one is exhausted. It returns false at the end of the results or
// on error.
func (s *IDStream) Next(ctx context.Context) bool {
	for len(s.buf) == 0 {
		if s.err != nil {
			return false
		}
		if s.started && s.nextURL == "" {
			return false
		}
		if err := s.fetch(ctx); err != nil {
			s.err = err
			s.buf = nil
			return false
		}
	}
	s.cur, s.buf = s.buf[0], s.buf[1:]
	return true
}

// ID returns the identifier Next advanced to.
func (s *IDStream) ID() string { return s.cur }

// Err returns the error that ended the stream, if any.
func (s *IDStream) Err() error { return s.err }

// Pages returns the number of pages fetched so far.
func (s *IDStream) Pages() int { return s.pages }

func (s *IDStream) fetch(ctx context.Context) error {
	var (
		req *http.Request
		err error
	)
	if !s.started {
		s.started = true
		req, err = s.client.firstPageRequest(ctx, s.resourceType, s.params)
	} else {
		req, err = s.client.nextPageRequest(ctx, s.nextURL)
	}
	if err != nil {
		return fmt.Errorf("search %s: %w: %w", s.query, query.ErrTransportFailure, err)
	}

	bundle, err := s.client.do(req, s.resourceType)
	if err != nil {
		return fmt.Errorf("search %s: %w", s.query, err)
	}
	s.pages++

	s.nextURL = ""
	if next, ok := bundle.LinkURL("next"); ok {
		s.nextURL = next
	}
	for _, e := range bundle.Entry {
		if id, ok := e.PatientID(); ok {
			s.buf = append(s.buf, id)
		}
	}
	s.client.telemetry.AddSearchIDs(s.resourceType, len(s.buf))
	return nil
}

func (c *SearchClient) firstPageRequest(ctx context.Context, resourceType, params string) (*http.Request, error) {
	if resourceType == "" {
		return nil, fmt.Errorf("query without resource type")
	}
	body := params
	if body != "" {
		body += "&"
	}
	body += "_elements=" + ElementsFor(resourceType) + "&_count=" + strconv.Itoa(c.pageCount)

	endpoint := c.base.JoinPath(resourceType, "_search").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *SearchClient) nextPageRequest(ctx context.Context, next string) (*http.Request, error) {
	u, err := url.Parse(next)
	if err != nil {
		return nil, fmt.Errorf("next link %q: %w", next, err)
	}
	if !u.IsAbs() {
		dir := *c.base
		dir.Path += "/"
		u = dir.ResolveReference(u)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

// do sends one page request and decodes the bundle.
func (c *SearchClient) do(req *http.Request, resourceType string) (_ *Bundle, err error) {
	ctx, span := c.telemetry.Tracer().Start(req.Context(), "fhir.search.page",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("fhir.resource_type", resourceType),
		))
	defer func() { telemetry.EndSpan(span, err) }()
	req = req.WithContext(ctx)

	if err := c.auth.apply(req, c.now()); err != nil {
		return nil, fmt.Errorf("%w: %w", query.ErrTransportFailure, err)
	}
	req.Header.Set("Accept", fhirJSON)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.telemetry.ObserveSearchPage(resourceType, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: %w: %w", req.Method, req.URL.Redacted(), query.ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	c.telemetry.ObserveSearchPage(resourceType, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Str("method", req.Method).
			Str("url", req.URL.Redacted()).
			Int("status", resp.StatusCode).
			Msg("search page request failed")
		return nil, fmt.Errorf("%s %s: status %d: %s: %w",
			req.Method, req.URL.Redacted(), resp.StatusCode, strings.TrimSpace(string(snippet)), query.ErrTransportFailure)
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("%s %s: decode bundle: %w: %w", req.Method, req.URL.Redacted(), query.ErrTransportFailure, err)
	}
	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.Redacted()).
		Int("entries", len(bundle.Entry)).
		Msg("search page")
	return &bundle, nil
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	zerolog.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.Logger.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.Logger.Warn().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.Logger.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.Logger.Trace().Fields(kv).Msg(msg) }
