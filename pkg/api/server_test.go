package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"contentctl/pkg/models"
	"contentctl/pkg/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer() (*Server, *fakeJobStore) {
	jobs := newFakeJobStore()
	cache := newFakeResultCacheStore()
	q := queue.New(jobs, cache, nil)

	s := NewServer(Config{
		Port:     "0",
		JobStore: jobs,
		Queue:    q,
	})
	return s, jobs
}

// testContext builds a gin.Context wired to rec for a handler invoked
// directly, bypassing the auth/rate-limit middleware stack that a bare
// Config{} in tests never satisfies.
func testContext(method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	c.Request = httptest.NewRequest(method, target, reader)
	c.Request.Header.Set("Content-Type", "application/json")
	return c, rec
}

func TestHealthCheckDegradedWithoutDependencies(t *testing.T) {
	s := NewServer(Config{Port: "0"})
	c, rec := testContext(http.MethodGet, "/health", nil)

	s.healthCheck(c)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no dependencies are wired, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected status=degraded, got %v", body["status"])
	}
}

func TestHealthCheckHealthyWithDependencies(t *testing.T) {
	s, _ := newTestServer()
	s.coordinator = fakeCoordinator{}
	c, rec := testContext(http.MethodGet, "/health", nil)

	s.healthCheck(c)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobRejectsInvalidType(t *testing.T) {
	s, _ := newTestServer()
	body, _ := json.Marshal(CreateJobRequest{Type: "NOT_A_REAL_TYPE"})
	c, rec := testContext(http.MethodPost, "/api/v1/jobs", body)

	s.createJob(c)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid job type, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobEnqueuesValidRequest(t *testing.T) {
	s, jobs := newTestServer()
	body, _ := json.Marshal(CreateJobRequest{
		Type:    models.JobTypeKeywordMine,
		Payload: models.JSONMap{"seed": "running shoes"},
		StoreID: "store-1",
	})
	c, rec := testContext(http.MethodPost, "/api/v1/jobs", body)

	s.createJob(c)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected one job persisted, got %d", len(jobs.jobs))
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer()
	c, rec := testContext(http.MethodGet, "/api/v1/jobs/00000000-0000-0000-0000-000000000000", nil)
	c.Params = gin.Params{{Key: "id", Value: "00000000-0000-0000-0000-000000000000"}}

	s.getJob(c)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestGetJobFound(t *testing.T) {
	s, jobs := newTestServer()
	job := &models.Job{Type: models.JobTypeKeywordMine, Status: models.JobStatusPending}
	_ = jobs.CreateJob(context.Background(), job)

	c, rec := testContext(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: job.ID.String()}}

	s.getJob(c)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
