package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/auth"
	"github.com/unica-wb/backend/internal/models"
)

func TestStreamSSEReplaysLogAndFinishes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "b0s-1.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line one\nline two\n"), 0o644))

	jobs := &memJobRepo{}
	job := &models.Job{Target: "b0s", Status: models.StatusSucceeded, LogPath: &logPath}
	require.NoError(t, jobs.Create(context.Background(), job))

	h := NewLogHandler(jobs, auth.NewService(newMemSettings()))
	r := chi.NewRouter()
	r.Get("/jobs/{id}/logs/stream", h.StreamSSE)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/logs/stream", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "data: line one\n\n")
	assert.Contains(t, body, "data: line two\n\n")
	// terminal job: the replay ends with the done event
	assert.Contains(t, body, "event: done\ndata: build_finished\n\n")
}

func TestStreamSSEUnknownJob(t *testing.T) {
	h := NewLogHandler(&memJobRepo{}, auth.NewService(newMemSettings()))
	r := chi.NewRouter()
	r.Get("/jobs/{id}/logs/stream", h.StreamSSE)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope/logs/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadLogChunkIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	chunk, pos := readLogChunk(path, 0)
	assert.Equal(t, "abc", chunk)
	assert.Equal(t, int64(3), pos)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("def")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	chunk, pos = readLogChunk(path, pos)
	assert.Equal(t, "def", chunk)
	assert.Equal(t, int64(6), pos)

	chunk, pos = readLogChunk(filepath.Join(t.TempDir(), "missing.log"), 7)
	assert.Empty(t, chunk)
	assert.Equal(t, int64(7), pos)
}

func TestTailStartPosAlignsToLineBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	line := "0123456789\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(line, 300)), 0o644))

	assert.Equal(t, int64(0), tailStartPos(path, 0))
	// tail bigger than the file starts at the beginning
	assert.Equal(t, int64(0), tailStartPos(path, 4096))

	pos := tailStartPos(path, 1)
	assert.Greater(t, pos, int64(0))
	// advanced past the cut line, so the first chunk is whole lines
	assert.Zero(t, pos%int64(len(line)))
}
