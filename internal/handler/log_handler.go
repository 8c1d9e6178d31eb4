package handler

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/unica-wb/backend/internal/auth"
	"github.com/unica-wb/backend/internal/pkg/response"
	"github.com/unica-wb/backend/internal/repository"
)

// closeCodeUnauthorized is sent when a WebSocket client fails token auth.
const closeCodeUnauthorized = 4401

const logPollInterval = time.Second

// LogHandler streams job logs over SSE and WebSocket.
type LogHandler struct {
	jobs     repository.JobRepository
	authSvc  *auth.Service
	upgrader websocket.Upgrader
}

// NewLogHandler creates a log streaming handler.
func NewLogHandler(jobs repository.JobRepository, authSvc *auth.Service) *LogHandler {
	return &LogHandler{
		jobs:    jobs,
		authSvc: authSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect from the frontend origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// StreamSSE handles GET /jobs/{id}/logs. It replays the log from offset
// zero and follows it until the job reaches a terminal status.
func (h *LogHandler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := h.jobs.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if job == nil {
		response.NotFound(w, "Job")
		return
	}
	if job.LogPath == nil {
		response.NotFound(w, "Log file")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.InternalError(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.followLog(ctx, job.ID, *job.LogPath, 0,
		func(chunk string) error {
			for _, line := range strings.Split(chunk, "\n") {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
			flusher.Flush()
			return nil
		},
		func(string) {
			fmt.Fprint(w, "event: done\ndata: build_finished\n\n")
			flusher.Flush()
		})
}

type wsLogMessage struct {
	Type    string `json:"type"`
	Chunk   string `json:"chunk,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// StreamWS handles WS /jobs/{id}/ws?tail_kb=N. It starts tail_kb KiB from
// the end, aligned to a line boundary, then follows the file.
func (h *LogHandler) StreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	if err := h.authSvc.Authorize(ctx, r); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeUnauthorized, "unauthorized"), time.Now().Add(time.Second))
		return
	}

	job, err := h.jobs.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil || job == nil {
		conn.WriteJSON(wsLogMessage{Type: "error", Message: "Job not found"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), time.Now().Add(time.Second))
		return
	}
	if job.LogPath == nil {
		conn.WriteJSON(wsLogMessage{Type: "error", Message: "Log file not available yet"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), time.Now().Add(time.Second))
		return
	}

	tailKB := 256
	if raw := r.URL.Query().Get("tail_kb"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tailKB = n
		}
	}
	if tailKB < 0 {
		tailKB = 0
	}
	if tailKB > 4096 {
		tailKB = 4096
	}

	logPath := *job.LogPath
	h.followLog(ctx, job.ID, logPath, tailStartPos(logPath, tailKB),
		func(chunk string) error {
			return conn.WriteJSON(wsLogMessage{Type: "chunk", Chunk: chunk})
		},
		func(status string) {
			conn.WriteJSON(wsLogMessage{Type: "done", Status: status})
		})
}

// followLog polls path from pos at 1 Hz, handing every appended chunk to
// emit and calling done once the job reaches a terminal status. It returns
// on client disconnect (emit error or context cancel).
func (h *LogHandler) followLog(ctx context.Context, jobID, path string, pos int64, emit func(chunk string) error, done func(status string)) {
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		chunk, newPos := readLogChunk(path, pos)
		pos = newPos
		if chunk != "" {
			if err := emit(chunk); err != nil {
				return
			}
		}

		current, err := h.jobs.GetByID(ctx, jobID)
		if err == nil && current != nil && current.Status.Terminal() {
			done(string(current.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// readLogChunk reads everything appended since pos.
func readLogChunk(path string, pos int64) (string, int64) {
	f, err := os.Open(path)
	if err != nil {
		return "", pos
	}
	defer f.Close()
	if _, err := f.Seek(pos, 0); err != nil {
		return "", pos
	}
	buf := new(strings.Builder)
	if _, err := bufio.NewReader(f).WriteTo(buf); err != nil {
		return "", pos
	}
	return buf.String(), pos + int64(buf.Len())
}

// tailStartPos returns the starting offset for a tail of tailKB KiB,
// advanced to the next line boundary so the first chunk is whole lines.
func tailStartPos(path string, tailKB int) int64 {
	if tailKB <= 0 {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	pos := info.Size() - int64(tailKB)*1024
	if pos <= 0 {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	if _, err := f.Seek(pos, 0); err != nil {
		return 0
	}
	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return pos
	}
	return pos + int64(len(line))
}
