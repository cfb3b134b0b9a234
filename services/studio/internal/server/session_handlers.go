package server

import (
	"errors"
	"net/http"
	"strings"

	"storyforge/pkg/domain"
	"storyforge/pkg/session"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type signInResponse struct {
	Identity domain.Identity `json:"identity"`
	Token    string          `json:"token"`
	Session  session.State   `json:"session"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st := s.app.Session().State()
	if s.viewer(r) == nil {
		st = publicSession(st)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ident, err := s.app.Session().SignUp(r.Context(), strings.TrimSpace(req.Email), req.Password, req.Name)
	s.respondSignIn(w, r, "signup", req.Email, ident, err)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ident, err := s.app.Session().SignIn(r.Context(), strings.TrimSpace(req.Email), req.Password)
	s.respondSignIn(w, r, "password", req.Email, ident, err)
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ident, err := s.app.Session().SignInWithGoogle(r.Context())
	s.respondSignIn(w, r, "google", "", ident, err)
}

func (s *Server) respondSignIn(w http.ResponseWriter, r *http.Request, method, email string, ident domain.Identity, err error) {
	audit := auditLogger(r)
	if err != nil {
		audit.Warn("security_event", "event", "sign_in_failed", "method", method, "email", strings.ToLower(strings.TrimSpace(email)), "reason", authKind(err))
		writeAuthError(w, err)
		return
	}
	audit.Info("security_event", "event", "sign_in", "method", method, "uid", ident.ID)
	token, err := s.app.IDToken(r.Context())
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signInResponse{Identity: ident, Token: token, Session: s.app.Session().State()})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Session().LogOut(r.Context()); err != nil {
		writeAuthError(w, err)
		return
	}
	auditLogger(r).Info("security_event", "event", "sign_out", "uid", user.ID)
	writeJSON(w, http.StatusOK, s.app.Session().State())
}

type profileRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	profile, err := s.app.Session().UpdateProfile(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			writeErrorCode(w, http.StatusUnauthorized, "AUTH_REQUIRED", err.Error())
			return
		}
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func authKind(err error) string {
	var aerr *session.AuthError
	if errors.As(err, &aerr) {
		return string(aerr.Kind)
	}
	return string(session.KindUnknown)
}

func writeAuthError(w http.ResponseWriter, err error) {
	var aerr *session.AuthError
	if !errors.As(err, &aerr) {
		aerr = session.NewAuthError(err, "Authentication failed")
	}
	code := "AUTH_" + strings.ToUpper(strings.ReplaceAll(string(aerr.Kind), "-", "_"))
	writeErrorCode(w, authStatus(aerr.Kind), code, aerr.Message)
}

func authStatus(kind session.Kind) int {
	switch kind {
	case session.KindInvalidEmail, session.KindWeakPassword, session.KindPopupBlocked, session.KindPopupClosed:
		return http.StatusBadRequest
	case session.KindInvalidCredential, session.KindUserNotFound:
		return http.StatusUnauthorized
	case session.KindEmailInUse:
		return http.StatusConflict
	case session.KindUnauthorizedDomain, session.KindOperationNotAllowed:
		return http.StatusForbidden
	case session.KindTooManyRequests:
		return http.StatusTooManyRequests
	case session.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
