// Package fhirtest provides an in-process FHIR search server for tests. It
// answers POST /{type}/_search with paged searchset bundles and follows up
// with GET next links, recording every request it sees.
package fhirtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

const defaultCount = 20

// Request is a request received by the server.
type Request struct {
	Method        string
	Path          string
	RawQuery      string
	Body          string
	ContentType   string
	Authorization string
}

// Server is a stub FHIR server. Results are registered per search query;
// searches with no registered results return an empty bundle.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	results  map[string][]string
	failures map[string]int
	requests []Request
	pageSize int
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		results:  make(map[string][]string),
		failures: make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.record)
	e.POST("/:type/_search", s.handleSearch)
	e.GET("/_page", s.handlePage)

	s.Server = httptest.NewServer(e)
	t.Cleanup(s.Close)
	return s
}

// SetPageSize forces the page size regardless of the _count hint.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// Respond registers the patient ids a search query "Type?params" returns.
// Parameter order in q does not matter.
func (s *Server) Respond(q string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[normalize(q)] = append([]string(nil), ids...)
}

// Fail makes searches for q answer with status.
func (s *Server) Fail(q string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[normalize(q)] = status
}

// Requests returns a copy of the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// SearchCount returns how many first-page searches were received.
func (s *Server) SearchCount() int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == http.MethodPost {
			n++
		}
	}
	return n
}

func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		var body []byte
		if req.Body != nil {
			body, _ = io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        req.Method,
			Path:          req.URL.Path,
			RawQuery:      req.URL.RawQuery,
			Body:          string(body),
			ContentType:   req.Header.Get("Content-Type"),
			Authorization: req.Header.Get("Authorization"),
		})
		s.mu.Unlock()
		return next(c)
	}
}

func (s *Server) handleSearch(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	count, _ := strconv.Atoi(form.Get("_count"))
	elements := form.Get("_elements")
	form.Del("_count")
	form.Del("_elements")
	key := resourceType + "?" + form.Encode()

	return s.writePage(c, resourceType, elements, key, page{Offset: 0, Count: count})
}

func (s *Server) handlePage(c echo.Context) error {
	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	return s.writePage(c, c.QueryParam("type"), c.QueryParam("_elements"), c.QueryParam("key"),
		page{Offset: offset, Count: count})
}

func (s *Server) writePage(c echo.Context, resourceType, elements, key string, p page) error {
	s.mu.Lock()
	ids := s.results[key]
	status, failing := s.failures[key]
	if s.pageSize > 0 {
		p.Count = s.pageSize
	}
	s.mu.Unlock()

	if failing {
		return c.JSON(status, map[string]any{
			"resourceType": "OperationOutcome",
			"issue":        []map[string]string{{"severity": "error", "code": "exception"}},
		})
	}
	if p.Count <= 0 {
		p.Count = defaultCount
	}

	end := p.Offset + p.Count
	if end > len(ids) {
		end = len(ids)
	}
	start := p.Offset
	if start > end {
		start = end
	}

	entries := make([]map[string]any, 0, end-start)
	for _, id := range ids[start:end] {
		entries = append(entries, map[string]any{"resource": resource(resourceType, elements, id)})
	}

	links := []map[string]string{{"relation": "self", "url": s.URL + c.Request().URL.RequestURI()}}
	if p.HasNext(len(ids)) {
		q := url.Values{}
		q.Set("key", key)
		q.Set("type", resourceType)
		q.Set("_elements", elements)
		q.Set("_offset", strconv.Itoa(p.NextOffset()))
		q.Set("_count", strconv.Itoa(p.Count))
		links = append(links, map[string]string{"relation": "next", "url": s.URL + "/_page?" + q.Encode()})
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/fhir+json")
	c.Response().WriteHeader(http.StatusOK)
	return json.NewEncoder(c.Response()).Encode(map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(ids),
		"link":         links,
		"entry":        entries,
	})
}

// resource builds a resource carrying the patient id in the element the
// client asked for.
func resource(resourceType, elements, id string) map[string]any {
	r := map[string]any{"resourceType": resourceType}
	switch elements {
	case "patient":
		r["id"] = fmt.Sprintf("%s-%s", resourceType, id)
		r["patient"] = map[string]string{"reference": "Patient/" + id}
	case "subject":
		r["id"] = fmt.Sprintf("%s-%s", resourceType, id)
		r["subject"] = map[string]string{"reference": "Patient/" + id}
	default:
		r["id"] = id
	}
	return r
}

func normalize(q string) string {
	resourceType, params, _ := strings.Cut(q, "?")
	values, err := url.ParseQuery(params)
	if err != nil {
		return q
	}
	return resourceType + "?" + values.Encode()
}
