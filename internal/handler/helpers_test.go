package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/models"
)

func newTestRedis(t *testing.T) *database.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	return database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

type memSettings struct {
	values map[string]string
}

func newMemSettings() *memSettings {
	return &memSettings{values: map[string]string{}}
}

func (m *memSettings) Get(_ context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *memSettings) Set(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memSettings) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

type memJobRepo struct {
	jobs []*models.Job
	// artifacts backs the ListArtifacts/LatestArtifactForTarget queries
	artifacts []*models.Job
}

func (r *memJobRepo) Create(_ context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = models.NewJobID()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	copied := *job
	r.jobs = append(r.jobs, &copied)
	return nil
}

func (r *memJobRepo) GetByID(_ context.Context, id string) (*models.Job, error) {
	for _, j := range r.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, nil
}

func (r *memJobRepo) List(context.Context, int) ([]*models.Job, error) { return r.jobs, nil }

func (r *memJobRepo) ListArtifacts(_ context.Context, target string, _ int) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range r.artifacts {
		if target == "" || j.Target == target {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) SetQueueJobID(_ context.Context, id, queueJobID string) error {
	for _, j := range r.jobs {
		if j.ID == id {
			j.QueueJobID = &queueJobID
		}
	}
	return nil
}

func (r *memJobRepo) MarkRunning(context.Context, string, string) error { return nil }
func (r *memJobRepo) SetProcessPID(context.Context, string, *int) error { return nil }

func (r *memJobRepo) SetErrorMessage(_ context.Context, id, message string) error {
	for _, j := range r.jobs {
		if j.ID == id {
			j.Error = &message
		}
	}
	return nil
}

func (r *memJobRepo) SetArtifactPath(_ context.Context, id, path string) error {
	for _, j := range r.jobs {
		if j.ID == id {
			j.ArtifactPath = &path
		}
	}
	return nil
}

func (r *memJobRepo) Finish(_ context.Context, id string, status models.JobStatus, returnCode *int, _ *string) (bool, error) {
	for _, j := range r.jobs {
		if j.ID == id && !j.Status.Terminal() {
			j.Status = status
			j.ReturnCode = returnCode
			return true, nil
		}
	}
	return false, nil
}

func (r *memJobRepo) FindReusable(context.Context, string) (*models.Job, error) {
	return nil, nil
}

func (r *memJobRepo) LatestArtifactForTarget(_ context.Context, target string) (*models.Job, error) {
	for _, j := range r.artifacts {
		if j.Target == target {
			return j, nil
		}
	}
	return nil, nil
}

// doJSON performs a request against a handler and decodes the response
// envelope's data slot into dest (may be nil).
func doJSON(t *testing.T, h http.Handler, method, target, body string, dest any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if dest != nil && rec.Code < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		require.NoError(t, json.Unmarshal(envelope.Data, dest))
	}
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Message
}
