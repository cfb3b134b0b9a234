package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"storyforge/internal/util"
	"storyforge/pkg/documents"
	"storyforge/pkg/domain"
	"storyforge/pkg/metrics"
	"storyforge/services/studio/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	CORSOrigins    []string
	MaxUploadBytes int64
}

// Server exposes the session and document stores over HTTP.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	cors           []string
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		cors:           cfg.CORSOrigins,
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.cors, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler(s.app.Registry()))
	if s.app.Files() != nil {
		s.mux.HandleFunc("/files/", s.handleFile)
	}

	// session
	s.mux.HandleFunc("/api/session", s.handleSession)
	s.mux.HandleFunc("/api/session/signup", s.handleSignUp)
	s.mux.HandleFunc("/api/session/signin", s.handleSignIn)
	s.mux.HandleFunc("/api/session/google", s.handleGoogle)
	s.mux.Handle("/api/session/signout", s.withUser(s.handleSignOut))
	s.mux.Handle("/api/session/profile", s.withUser(s.handleProfile))

	// documents
	s.mux.Handle("/api/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/api/documents/import", s.withUser(s.handleImport))
	s.mux.HandleFunc("/api/documents/", s.handleDocumentByID)
	s.mux.HandleFunc("/api/public", s.handlePublic)
	s.mux.Handle("/api/dashboard", s.withUser(s.handleDashboard))
	s.mux.HandleFunc("/api/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// authenticate accepts the bearer id token of the signed-in identity only.
// Documents are scoped to the session, so a token for anyone else is refused.
func (s *Server) authenticate(r *http.Request) (domain.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.Identity{}, false
	}
	current := s.app.Session().Identity()
	if current == nil {
		return domain.Identity{}, false
	}
	verified, err := s.app.VerifyToken(r.Context(), token)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrNoVerifier):
		expected, err := s.app.IDToken(r.Context())
		if err != nil || subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
			return domain.Identity{}, false
		}
		verified = *current
	default:
		util.LoggerFromContext(r.Context()).Debug("bearer token rejected", "err", err)
		return domain.Identity{}, false
	}
	if verified.ID != current.ID {
		return domain.Identity{}, false
	}
	return *current, true
}

// viewer returns the authenticated identity when the request carries one.
func (s *Server) viewer(r *http.Request) *domain.Identity {
	if _, ok := bearerToken(r); !ok {
		return nil
	}
	user, ok := s.authenticate(r)
	if !ok {
		return nil
	}
	return &user
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/files/")
	data, contentType, err := s.app.Files().Get(key)
	if err != nil {
		notFound(w, "not found")
		return
	}
	name := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		name = key[i+1:]
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCodeForStudio(status, msg), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCodeForStudio(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "DOCUMENT_FORBIDDEN"
	case message == "document not found":
		return "DOCUMENT_NOT_FOUND"
	case message == "invalid json body":
		return "SYSTEM_INVALID_REQUEST"
	case message == "invalid form data", strings.Contains(message, "file is required"):
		return "MANUSCRIPT_FILE_REQUIRED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	case message == "streaming unsupported":
		return "SYSTEM_INTERNAL_ERROR"
	}

	switch status {
	case http.StatusBadRequest:
		return "SYSTEM_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "DOCUMENT_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusServiceUnavailable:
		return "SYSTEM_UNAVAILABLE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}

// writeSyncError maps document store failures onto responses.
func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var serr *documents.SyncError
	switch {
	case errors.Is(err, documents.ErrNotAuthenticated):
		writeErrorCode(w, http.StatusUnauthorized, "AUTH_REQUIRED", err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &serr):
		status, code := syncStatus(serr)
		writeErrorCode(w, status, code, serr.Message)
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func syncStatus(serr *documents.SyncError) (int, string) {
	switch {
	case serr.Offline:
		return http.StatusServiceUnavailable, "DOCUMENT_OFFLINE"
	case isPermission(serr):
		return http.StatusForbidden, "DOCUMENT_FORBIDDEN"
	case isNotFound(serr):
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND"
	default:
		return http.StatusBadGateway, "DOCUMENT_SYNC_FAILED"
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func auditLogger(r *http.Request) *slog.Logger {
	return util.LoggerFromContext(r.Context()).With("audit", true)
}
