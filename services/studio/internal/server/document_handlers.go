package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"storyforge/pkg/docstore"
	"storyforge/pkg/documents"
	"storyforge/pkg/domain"
	"storyforge/pkg/manuscript"
	"storyforge/services/studio/internal/app"
)

type listResponse struct {
	Documents  []domain.StoryDocument `json:"documents"`
	Total      int                    `json:"total"`
	TotalWords int                    `json:"totalWords"`
	Loading    bool                   `json:"loading"`
	Offline    bool                   `json:"offline"`
	Notice     string                 `json:"notice,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func filterFromQuery(q url.Values) domain.Filter {
	return domain.Filter{
		Type:   domain.WorkType(strings.TrimSpace(q.Get("type"))),
		Status: domain.WorkStatus(strings.TrimSpace(q.Get("status"))),
		Query:  q.Get("q"),
	}
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		st := s.app.Documents().State()
		docs := domain.FilterDocuments(st.Mine, filterFromQuery(r.URL.Query()))
		writeJSON(w, http.StatusOK, listResponse{
			Documents:  docs,
			Total:      len(st.Mine),
			TotalWords: domain.TotalWords(docs),
			Loading:    st.Loading,
			Offline:    st.Offline,
			Notice:     st.Notice,
			Error:      st.Err,
		})
	case http.MethodPost:
		var in domain.DocumentInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		id, err := s.app.Documents().CreateDocument(r.Context(), in)
		if err != nil {
			writeSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id, "owner": user.ID})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st := s.app.Documents().State()
	docs := domain.FilterDocuments(st.Public, filterFromQuery(r.URL.Query()))
	writeJSON(w, http.StatusOK, listResponse{
		Documents:  docs,
		Total:      len(st.Public),
		TotalWords: domain.TotalWords(docs),
		Loading:    st.PublicLoading,
		Offline:    st.Offline,
		Notice:     st.Notice,
		Error:      st.Err,
	})
}

// /api/documents/{id}, /api/documents/{id}/view or /api/documents/{id}/export
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "view":
			s.handleView(w, r, id)
		case "export":
			s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.Identity) {
				s.handleExport(w, r, user, id)
			}).ServeHTTP(w, r)
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetDocument(w, r, id)
	case http.MethodPatch, http.MethodPut:
		s.withUser(func(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
			var in domain.DocumentInput
			if err := decodeJSON(r, &in); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json body")
				return
			}
			if err := s.app.Documents().UpdateDocument(r.Context(), id, in); err != nil {
				writeSyncError(w, r, err)
				return
			}
			s.handleGetDocument(w, r, id)
		}).ServeHTTP(w, r)
	case http.MethodDelete:
		s.withUser(func(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
			if err := s.app.Documents().DeleteDocument(r.Context(), id); err != nil {
				writeSyncError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

// documentView is a document as shown to a reader.
type documentView struct {
	domain.StoryDocument
	Words          int  `json:"words"`
	ReadingMinutes int  `json:"readingMinutes"`
	Mine           bool `json:"mine"`
}

func (s *Server) present(r *http.Request, doc domain.StoryDocument) documentView {
	view := documentView{
		StoryDocument:  doc,
		Words:          domain.WordCount(doc.Content),
		ReadingMinutes: domain.ReadingMinutes(doc.Content),
	}
	if viewer := s.viewer(r); viewer != nil {
		view.Mine = viewer.ID == doc.Owner
	}
	return view
}

// Private documents are only served to their owner.
func (s *Server) visible(r *http.Request, doc domain.StoryDocument) bool {
	if doc.IsPublic {
		return true
	}
	viewer := s.viewer(r)
	return viewer != nil && viewer.ID == doc.Owner
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, found, err := s.app.Documents().GetDocumentByID(r.Context(), id)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	if !found || !s.visible(r, doc) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, s.present(r, doc))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	doc, found, err := s.app.Documents().GetDocumentByID(r.Context(), id)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	if !found || !s.visible(r, doc) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	doc, found, err = s.app.Documents().ViewDocument(r.Context(), id)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, s.present(r, doc))
}

type exportRequest struct {
	Format string `json:"format"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, user domain.Identity, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Format == "" {
		req.Format = r.URL.Query().Get("format")
	}
	export, err := s.app.Export(r.Context(), user, id, req.Format)
	if err != nil {
		if errors.Is(err, app.ErrInvalidFormat) {
			writeErrorCode(w, http.StatusBadRequest, "MANUSCRIPT_UNSUPPORTED_FORMAT", err.Error())
			return
		}
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "MANUSCRIPT_TOO_LARGE", "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	id, m, err := s.app.Import(r.Context(), header.Filename, file)
	switch {
	case err == nil:
	case errors.Is(err, manuscript.ErrUnsupported):
		writeErrorCode(w, http.StatusBadRequest, "MANUSCRIPT_UNSUPPORTED_FILE_TYPE", err.Error())
		return
	case errors.Is(err, manuscript.ErrTooLarge):
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "MANUSCRIPT_TOO_LARGE", "file too large")
		return
	case errors.Is(err, manuscript.ErrEmpty):
		writeErrorCode(w, http.StatusUnprocessableEntity, "MANUSCRIPT_EMPTY", err.Error())
		return
	default:
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     id,
		"owner":  user.ID,
		"title":  m.Title,
		"format": m.Format,
		"words":  domain.WordCount(m.Content),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Dashboard())
}

func isPermission(serr *documents.SyncError) bool {
	return docstore.IsPermissionDenied(serr.Err)
}

func isNotFound(serr *documents.SyncError) bool {
	return errors.Is(serr.Err, docstore.ErrNotFound)
}
