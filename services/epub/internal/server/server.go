package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sillypop200/kiwifruit/internal/identity"
	"github.com/sillypop200/kiwifruit/internal/util"
	"github.com/sillypop200/kiwifruit/services/epub/internal/app"
)

const serviceName = "epub"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Identity       identity.Resolver
	MaxUploadBytes int64
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for EPUB ingestion.
type Server struct {
	app            *app.App
	identity       identity.Resolver
	mux            *http.ServeMux
	maxUploadBytes int64
	trusted        *util.TrustedProxies
	corsOrigins    []string
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity resolver required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	s := &Server{
		app:            cfg.App,
		identity:       cfg.Identity,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(serviceName, s.trusted, util.WithSecurityHeaders(s.trusted, util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/ingestions", s.withOwner(s.handleIngestions))
	s.mux.Handle("/ingestions/", s.withOwner(s.handleIngestionByID("/ingestions/")))

	// client paths
	s.mux.Handle("/api/epub", s.withOwner(s.handleUploadOnly))
	s.mux.Handle("/api/epub/", s.withOwner(s.handleIngestionByID("/api/epub/")))
	s.mux.Handle("/api/epubs", s.withOwner(s.handleListOnly))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

// withOwner resolves the requester. Unauthenticated requests get 403.
func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := identity.CredentialFromRequest(r)
		if err != nil {
			writeError(w, http.StatusForbidden, "unauthenticated", "authentication required")
			return
		}
		owner, ok, err := s.identity.Resolve(r.Context(), credential)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("resolve identity failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "identity_unavailable", "identity service unavailable")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "unauthenticated", "authentication required")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("owner_id", owner))
		next(w, r.WithContext(ctx), owner)
	})
}

func (s *Server) handleIngestions(w http.ResponseWriter, r *http.Request, owner string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, owner)
	case http.MethodGet:
		s.handleList(w, r, owner)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadOnly(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.handleUpload(w, r, owner)
}

func (s *Server) handleListOnly(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.handleList(w, r, owner)
}

// {prefix}{id}, {prefix}{id}/chapters or {prefix}{id}/chapters/{n}/text
func (s *Server) handleIngestionByID(prefix string) ownerHandler {
	return func(w http.ResponseWriter, r *http.Request, owner string) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")
		id := parts[0]
		if id == "" {
			notFound(w)
			return
		}
		switch {
		case len(parts) == 1:
			s.handleGet(w, r, owner, id)
		case len(parts) == 2 && parts[1] == "chapters":
			s.handleChapters(w, r, owner, id)
		case len(parts) == 4 && parts[1] == "chapters" && parts[3] == "text":
			number, err := strconv.Atoi(parts[2])
			if err != nil || number <= 0 {
				notFound(w)
				return
			}
			s.handleChapterText(w, r, owner, id, number)
		default:
			notFound(w)
		}
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, owner string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeAppError(w, r, app.ErrFileTooLarge)
		case errors.Is(err, http.ErrNotMultipart):
			writeAppError(w, r, app.ErrFileRequired)
		default:
			writeError(w, http.StatusBadRequest, "invalid_form", "invalid form data")
		}
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		// a part named "file" without a filename arrives as a plain value
		if _, ok := r.MultipartForm.Value["file"]; ok {
			writeAppError(w, r, app.ErrFilenameRequired)
			return
		}
		writeAppError(w, r, app.ErrFileRequired)
		return
	}
	defer file.Close()

	view, err := s.app.Submit(r.Context(), owner, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, owner string) {
	views, err := s.app.ListForOwner(r.Context(), owner)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, owner, id string) {
	view, err := s.app.Get(r.Context(), id, owner)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleChapters(w http.ResponseWriter, r *http.Request, owner, id string) {
	chapters, err := s.app.ListChapters(r.Context(), id, owner)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chapters)
}

func (s *Server) handleChapterText(w http.ResponseWriter, r *http.Request, owner, id string, number int) {
	_, rc, err := s.app.ChapterText(r.Context(), id, number, owner)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && !errors.Is(err, context.Canceled) {
		util.LoggerFromContext(r.Context()).Warn("stream chapter text failed", "ingestion_id", id, "chapter", number, "err", err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not_found", "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps coordinator errors to status codes and error codes.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrFileRequired):
		return http.StatusBadRequest, "file_required"
	case errors.Is(err, app.ErrFilenameRequired):
		return http.StatusBadRequest, "filename_required"
	case errors.Is(err, app.ErrInvalidFileType):
		return http.StatusBadRequest, "invalid_file_type"
	case errors.Is(err, app.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "file_too_large"
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, app.ErrStillLoading):
		return http.StatusConflict, "epub_still_loading"
	case errors.Is(err, app.ErrParseFailed):
		return http.StatusConflict, "epub_parse_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
