package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"wordvision/internal/util"
	"wordvision/pkg/domain"
	"wordvision/services/library/internal/app"
)

const defaultMaxUploadBytes = 50 * 1024 * 1024

// IdentityResolver turns a bearer token into the caller identity.
type IdentityResolver interface {
	Resolve(bearer string) (domain.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Identity       IdentityResolver
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the library service.
type Server struct {
	app            *app.App
	identity       IdentityResolver
	mux            *http.ServeMux
	maxUploadBytes int64
	allowedOrigins []string
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
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		identity:       cfg.Identity,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", util.WithCORS(s.allowedOrigins, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /me", s.withUser(s.handleMe))

	// books
	s.mux.Handle("POST /books", s.withUser(s.handleUploadBook))
	s.mux.Handle("GET /books", s.withUser(s.handleListBooks))
	s.mux.Handle("GET /books/{bookID}", s.withUser(s.handleGetBook))
	s.mux.Handle("GET /books/{bookID}/content", s.withUser(s.handleBookContent))
	s.mux.Handle("PATCH /books/{bookID}/settings", s.withUser(s.handleUpdateSettings))
	s.mux.Handle("DELETE /books/{bookID}", s.withUser(s.handleDeleteBook))

	// highlights
	s.mux.Handle("POST /books/{bookID}/highlights", s.withUser(s.handleCreateHighlight))
	s.mux.Handle("GET /books/{bookID}/highlights", s.withUser(s.handleListHighlights))
	s.mux.Handle("GET /books/{bookID}/highlights/{highlightID}", s.withUser(s.handleGetHighlight))
	s.mux.Handle("DELETE /books/{bookID}/highlights/{highlightID}", s.withUser(s.handleDeleteHighlight))
	s.mux.Handle("PUT /books/{bookID}/highlights/{highlightID}/image", s.withUser(s.handleRegenerateImage))
	s.mux.Handle("DELETE /books/{bookID}/highlights/{highlightID}/image", s.withUser(s.handleDeleteHighlightImage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.identity.Resolve(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("owner_id", user.OwnerID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.Identity) {
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	book, err := s.app.CreateBook(r.Context(), user.OwnerID, app.NewBook{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		MetaTitle:   r.FormValue("metaTitle"),
		MetaAuthor:  r.FormValue("metaAuthor"),
		Filename:    header.Filename,
		ContentType: uploadContentType(header.Header.Get("Content-Type"), header.Filename),
		Size:        header.Size,
		Content:     file,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	books, err := s.app.ListBooks(r.Context(), user.OwnerID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if len(books) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	book, err := s.app.GetBook(r.Context(), user.OwnerID, r.PathValue("bookID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleBookContent returns a pre-signed URL for the book file.
func (s *Server) handleBookContent(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	url, err := s.app.GetContentURL(r.Context(), user.OwnerID, r.PathValue("bookID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	var req domain.SettingsUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.app.UpdateSettings(r.Context(), user.OwnerID, r.PathValue("bookID"), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := "unchanged"
	if res.Applied {
		status = "updated"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if err := s.app.DeleteBook(r.Context(), user.OwnerID, r.PathValue("bookID")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createHighlightRequest struct {
	Text     string `json:"text"`
	Location string `json:"location"`
}

type createHighlightResponse struct {
	Message string `json:"message"`
	domain.HighlightSummary
}

type regenerateResponse struct {
	Message string `json:"message"`
	domain.RegeneratedImage
}

func (s *Server) handleCreateHighlight(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	var req createHighlightRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	wantImage, err := parseBoolQuery(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image flag")
		return
	}
	summary, err := s.app.CreateHighlight(r.Context(), user.OwnerID, r.PathValue("bookID"), app.NewHighlight{
		Text:      req.Text,
		Location:  req.Location,
		WantImage: wantImage,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createHighlightResponse{
		Message:          "Successfully saved highlight!",
		HighlightSummary: summary,
	})
}

func (s *Server) handleListHighlights(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	highlights, err := s.app.ListHighlights(r.Context(), user.OwnerID, r.PathValue("bookID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": highlights,
		"count": len(highlights),
	})
}

func (s *Server) handleGetHighlight(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	h, err := s.app.GetHighlight(r.Context(), user.OwnerID, r.PathValue("bookID"), r.PathValue("highlightID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleDeleteHighlight(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if err := s.app.DeleteHighlight(r.Context(), user.OwnerID, r.PathValue("bookID"), r.PathValue("highlightID")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRegenerateImage(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	img, err := s.app.RegenerateImage(r.Context(), user.OwnerID, r.PathValue("bookID"), r.PathValue("highlightID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, regenerateResponse{
		Message:          "Successfully regenerated image!",
		RegeneratedImage: img,
	})
}

func (s *Server) handleDeleteHighlightImage(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if err := s.app.DeleteHighlightImage(r.Context(), user.OwnerID, r.PathValue("bookID"), r.PathValue("highlightID")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func parseBoolQuery(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// uploadContentType trusts the part header unless it is missing or generic,
// then falls back to the file extension.
func uploadContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.HasPrefix(strings.ToLower(declared), "application/octet-stream") {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return domain.ContentTypePDF
	case ".epub":
		return domain.ContentTypeEPUB
	}
	return declared
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
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForRequest(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps an application error to its status and stable code.
// Server-side failures are logged with their cause; clients only see the
// detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForKind(domain.KindOf(err))
	var quotaErr *app.QuotaError
	if errors.As(err, &quotaErr) && quotaErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(quotaErr.RetryAfter.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "kind", domain.KindOf(err), "err", err)
	}
	writeJSON(w, status, errorResponse{
		Error:     domain.DetailOf(err),
		Code:      errorCodeForApp(err),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindGeneration, domain.KindStorageRead:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeForApp(err error) string {
	switch {
	case errors.Is(err, app.ErrBookNotFound), errors.Is(err, app.ErrAddHighlight):
		return "BOOK_NOT_FOUND"
	case errors.Is(err, app.ErrHighlightNotFound):
		return "HIGHLIGHT_NOT_FOUND"
	case errors.Is(err, app.ErrImageNotFound):
		return "HIGHLIGHT_IMAGE_NOT_FOUND"
	case errors.Is(err, app.ErrUnsupportedType):
		return "BOOK_UNSUPPORTED_FILE_TYPE"
	case errors.Is(err, app.ErrEmptyFile):
		return "BOOK_FILE_REQUIRED"
	case errors.Is(err, app.ErrImageQuotaReached):
		return "IMAGE_QUOTA_EXCEEDED"
	}
	switch domain.KindOf(err) {
	case domain.KindAuth:
		return "AUTH_INVALID_TOKEN"
	case domain.KindNotFound:
		return "SYSTEM_NOT_FOUND"
	case domain.KindInvalidInput:
		return "LIBRARY_INVALID_REQUEST"
	case domain.KindInvalidState:
		return "LIBRARY_INVALID_STATE"
	case domain.KindGeneration:
		return "IMAGE_GENERATION_FAILED"
	case domain.KindStorageWrite, domain.KindStorageRead:
		return "STORAGE_UNAVAILABLE"
	case domain.KindPartialDelete:
		return "LIBRARY_PARTIAL_DELETE"
	case domain.KindRateLimited:
		return "IMAGE_QUOTA_EXCEEDED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}

func errorCodeForRequest(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "file too large":
		return "BOOK_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	}
	switch status {
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusBadRequest:
		return "LIBRARY_INVALID_REQUEST"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
