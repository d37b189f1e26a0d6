package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"github.com/loqalabs/loqa-scribe/internal/upload"
)

const maxErrorDetail = 512

// api holds the request handlers and what they depend on.
type api struct {
	log        *slog.Logger
	uploads    *upload.Store
	scribe     *transcribe.Service
	corsOrigin string
	staticDir  string
	metrics    http.Handler
	ready      func() bool
	clock      func() time.Time
}

type healthResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Time   string `json:"time"`
}

type plainResponse struct {
	Transcript string `json:"transcript"`
}

type segmentsResponse struct {
	Segments   []json.RawMessage `json:"segments"`
	Transcript string            `json:"transcript,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /api/transcribe", a.handleTranscribe)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Kind: "NotFound"})
	})
	mux.Handle("/", spaHandler(a.staticDir))
	return withCORS(a.corsOrigin, mux)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:     true,
		Status: "Backend running",
		Time:   a.clock().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	a.log.Debug("job state", slog.String("state", string(transcribe.StateAwaitingUpload)))

	artifact, err := a.uploads.Accept(w, r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer artifact.Release()

	result, err := a.scribe.Transcribe(r.Context(), artifact)
	if err != nil {
		a.writeError(w, err)
		return
	}

	if result.Shape == transcribe.ShapeStructured {
		writeJSON(w, http.StatusOK, segmentsResponse{Segments: result.Segments, Transcript: result.Text})
		return
	}
	writeJSON(w, http.StatusOK, plainResponse{Transcript: result.Text})
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	kind := transcribe.KindOf(err)
	status := statusFor(kind)
	resp := errorResponse{
		Error: transcribe.PublicMessage(err),
		Kind:  string(kind),
	}
	var jobErr *transcribe.Error
	if errors.As(err, &jobErr) {
		switch jobErr.Kind {
		case transcribe.KindEngineExecutionFailed, transcribe.KindEngineTimeout, transcribe.KindInvalidEngineOutput:
			resp.Detail = summarize(jobErr.Detail, maxErrorDetail)
		}
	}
	if kind == transcribe.KindBusy {
		w.Header().Set("Retry-After", "5")
	}

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	a.log.Log(context.Background(), level, "transcribe request failed",
		slog.String("state", string(transcribe.StateRejected)),
		slog.String("kind", string(kind)),
		slog.Int("status", status),
		slog.String("error", err.Error()))

	writeJSON(w, status, resp)
}

func statusFor(kind transcribe.ErrorKind) int {
	switch kind {
	case transcribe.KindNoFileProvided, transcribe.KindFileTooLarge:
		return http.StatusBadRequest
	case transcribe.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// summarize returns the last non-empty line of diagnostic output, at most n
// bytes, starting on a rune boundary. Tracebacks stay in the server log.
func summarize(detail string, n int) string {
	detail = strings.TrimSpace(detail)
	if i := strings.LastIndexByte(detail, '\n'); i >= 0 {
		detail = strings.TrimSpace(detail[i+1:])
	}
	if len(detail) <= n {
		return detail
	}
	detail = detail[len(detail)-n:]
	for len(detail) > 0 && !utf8.RuneStart(detail[0]) {
		detail = detail[1:]
	}
	return detail
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
