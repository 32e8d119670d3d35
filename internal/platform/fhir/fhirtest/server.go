// Package fhirtest provides an in-memory FHIR server for tests. It speaks
// just enough of the REST API (read, update-as-create, create, search count,
// metadata) to exercise the loader end to end.
package fhirtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/ehr/claimloader/internal/platform/fhir"
)

// FailureFunc may return a non-zero HTTP status to inject for a request.
type FailureFunc func(method, resourceType, id string) int

// Server is an in-memory FHIR server backed by httptest.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	resources map[string]map[string]map[string]interface{}
	calls     map[string]int
	fail      FailureFunc
	nextID    int
}

// NewServer starts a server; callers must Close it.
func NewServer() *Server {
	s := &Server{
		resources: make(map[string]map[string]map[string]interface{}),
		calls:     make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	g := e.Group("/fhir")
	g.GET("/metadata", s.handleMetadata)
	g.GET("/:type", s.handleSearch)
	g.GET("/:type/:id", s.handleRead)
	g.PUT("/:type/:id", s.handleUpdate)
	g.POST("/:type", s.handleCreate)

	s.srv = httptest.NewServer(e)
	return s
}

// URL returns the FHIR base URL.
func (s *Server) URL() string {
	return s.srv.URL + "/fhir"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// SetFailure installs (or clears, with nil) a failure injection hook.
func (s *Server) SetFailure(f FailureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = f
}

// Calls returns how many requests with the given method hit resourceType.
func (s *Server) Calls(method, resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+resourceType]
}

// Count returns the number of stored resources of a type.
func (s *Server) Count(resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources[resourceType])
}

// Resource returns a stored resource.
func (s *Server) Resource(resourceType, id string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceType][id]
	return r, ok
}

// Put seeds a resource directly, bypassing the REST API.
func (s *Server) Put(resourceType, id string, resource map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(resourceType, id, resource)
}

func (s *Server) store(resourceType, id string, resource map[string]interface{}) {
	if s.resources[resourceType] == nil {
		s.resources[resourceType] = make(map[string]map[string]interface{})
	}
	resource["resourceType"] = resourceType
	resource["id"] = id
	s.resources[resourceType][id] = resource
}

// record counts the call and returns an injected status, if any.
func (s *Server) record(method, resourceType, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method+" "+resourceType]++
	if s.fail != nil {
		return s.fail(method, resourceType, id)
	}
	return 0
}

func outcome(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, msg))
}

func (s *Server) handleMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"fhirVersion":  "4.0.1",
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	rt := c.Param("type")
	if status := s.record(http.MethodGet, rt, ""); status != 0 {
		return outcome(c, status, fhir.IssueTypeProcessing, "injected failure")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        s.Count(rt),
	})
}

func (s *Server) handleRead(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	if status := s.record(http.MethodGet, rt, id); status != 0 {
		return outcome(c, status, fhir.IssueTypeProcessing, "injected failure")
	}
	r, ok := s.Resource(rt, id)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(rt, id))
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleUpdate(c echo.Context) error {
	rt, id := c.Param("type"), c.Param("id")
	if status := s.record(http.MethodPut, rt, id); status != 0 {
		return outcome(c, status, fhir.IssueTypeProcessing, "injected failure")
	}
	body, err := decodeBody(c)
	if err != nil {
		return outcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid, err.Error())
	}
	if bodyID, _ := body["id"].(string); bodyID != "" && bodyID != id {
		return outcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("resource id %q does not match URL id %q", bodyID, id))
	}

	s.mu.Lock()
	_, existed := s.resources[rt][id]
	s.store(rt, id, body)
	s.mu.Unlock()

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.Response().Header().Set("Location", s.URL()+"/"+rt+"/"+id+"/_history/1")
	return c.JSON(status, body)
}

func (s *Server) handleCreate(c echo.Context) error {
	rt := c.Param("type")
	if status := s.record(http.MethodPost, rt, ""); status != 0 {
		return outcome(c, status, fhir.IssueTypeProcessing, "injected failure")
	}
	body, err := decodeBody(c)
	if err != nil {
		return outcome(c, http.StatusBadRequest, fhir.IssueTypeInvalid, err.Error())
	}

	s.mu.Lock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.store(rt, id, body)
	s.mu.Unlock()

	c.Response().Header().Set("Location", s.URL()+"/"+rt+"/"+id+"/_history/1")
	return c.JSON(http.StatusCreated, body)
}

func decodeBody(c echo.Context) (map[string]interface{}, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, nil
}
