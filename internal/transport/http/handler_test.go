package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/n1ckerr0r/merge-queue-service/internal/domain"
	"github.com/n1ckerr0r/merge-queue-service/internal/store"
)

type fakeStore struct {
	active   map[string]*domain.Staging
	prs      map[string]*domain.PullRequest
	upserted []*domain.PullRequest
}

func (s *fakeStore) ActiveStaging(_ context.Context, target string) (*domain.Staging, error) {
	return s.active[target], nil
}

func (s *fakeStore) GetPR(_ context.Context, repository string, number int) (*domain.PullRequest, error) {
	pr, ok := s.prs[(&domain.PullRequest{Repository: repository, Number: number}).DisplayName()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return pr, nil
}

func (s *fakeStore) UpsertPR(_ context.Context, pr *domain.PullRequest) error {
	pr.ID = int64(len(s.upserted) + 1)
	s.upserted = append(s.upserted, pr)
	return nil
}

type fakeStager struct {
	staging *domain.Staging
	err     error
	targets []string
}

func (s *fakeStager) TryStage(_ context.Context, target string) (*domain.Staging, error) {
	s.targets = append(s.targets, target)
	return s.staging, s.err
}

func setupRouter(st *fakeStore, stager *fakeStager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(st, stager)
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var payload map[string]any
	if strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
			t.Fatalf("bad json response: %v\n%s", err, w.Body.String())
		}
	}
	return w, payload
}

func errorCode(payload map[string]any) string {
	errObj, _ := payload["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	r := setupRouter(&fakeStore{}, &fakeStager{})
	w, payload := do(t, r, http.MethodGet, "/health", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestTriggerStaging(t *testing.T) {
	stager := &fakeStager{staging: &domain.Staging{ID: 7, Target: "master", Active: true}}
	r := setupRouter(&fakeStore{}, stager)

	w, payload := do(t, r, http.MethodPost, "/staging/trigger", `{"target": "master"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	st, _ := payload["staging"].(map[string]any)
	if st["id"] != float64(7) || st["target"] != "master" {
		t.Fatalf("staging: %v", st)
	}
	if len(stager.targets) != 1 || stager.targets[0] != "master" {
		t.Fatalf("stager called with: %v", stager.targets)
	}
}

func TestTriggerStagingNothingToStage(t *testing.T) {
	r := setupRouter(&fakeStore{}, &fakeStager{})

	w, payload := do(t, r, http.MethodPost, "/staging/trigger", `{"target": "master"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["result"] != "nothing_to_stage" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestTriggerStagingMissingTarget(t *testing.T) {
	r := setupRouter(&fakeStore{}, &fakeStager{})

	w, payload := do(t, r, http.MethodPost, "/staging/trigger", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if errorCode(payload) != "BAD_REQUEST" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestGetStaging(t *testing.T) {
	st := &fakeStore{active: map[string]*domain.Staging{
		"master": {ID: 3, Target: "master", Active: true, BatchIDs: []int64{1, 2}},
	}}
	r := setupRouter(st, &fakeStager{})

	w, payload := do(t, r, http.MethodGet, "/staging/get?target=master", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got, _ := payload["staging"].(map[string]any)
	if got["id"] != float64(3) {
		t.Fatalf("staging: %v", got)
	}

	w, payload = do(t, r, http.MethodGet, "/staging/get?target=1.0", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if errorCode(payload) != "NOT_FOUND" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestGetPR(t *testing.T) {
	pr := domain.NewPullRequest("org/a", "master", 101, "fix-1", "abc123")
	pr.ID = 1
	st := &fakeStore{prs: map[string]*domain.PullRequest{pr.DisplayName(): pr}}
	r := setupRouter(st, &fakeStager{})

	w, payload := do(t, r, http.MethodGet, "/pullRequest/get?repository=org/a&number=101", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := payload["pull_request"].(map[string]any)
	if got["repository"] != "org/a" || got["number"] != float64(101) {
		t.Fatalf("pr: %v", got)
	}

	w, payload = do(t, r, http.MethodGet, "/pullRequest/get?repository=org/a&number=999", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if errorCode(payload) != "NOT_FOUND" {
		t.Fatalf("payload: %v", payload)
	}

	w, payload = do(t, r, http.MethodGet, "/pullRequest/get?repository=org/a&number=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if errorCode(payload) != "BAD_REQUEST" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestUpdatePR(t *testing.T) {
	st := &fakeStore{}
	r := setupRouter(st, &fakeStager{})

	body := `{
       "repository": "org/a",
       "number": 101,
       "target": "master",
       "label": "fix-1",
       "head": "abc123",
       "priority": 2
    }`
	w, payload := do(t, r, http.MethodPost, "/pullRequest/update", body)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := payload["pull_request"].(map[string]any)
	if got["state"] != "opened" {
		t.Fatalf("state must default to opened: %v", got)
	}
	if len(st.upserted) != 1 || st.upserted[0].Label != "fix-1" {
		t.Fatalf("upserted: %+v", st.upserted)
	}
}

func TestUpdatePRMissingFields(t *testing.T) {
	st := &fakeStore{}
	r := setupRouter(st, &fakeStager{})

	w, payload := do(t, r, http.MethodPost, "/pullRequest/update", `{"repository": "org/a"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if errorCode(payload) != "BAD_REQUEST" {
		t.Fatalf("payload: %v", payload)
	}
	if len(st.upserted) != 0 {
		t.Fatal("nothing may be written on a bad request")
	}
}
