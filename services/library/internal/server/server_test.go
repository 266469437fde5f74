package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"wordvision/internal/identity"
	"wordvision/internal/partition"
	"wordvision/internal/usertoken"
	"wordvision/pkg/domain"
	"wordvision/pkg/imagegen"
	"wordvision/pkg/storage"
	"wordvision/pkg/store"
	"wordvision/services/library/internal/app"
)

// tokenTable accepts "token-<sub>" and rejects everything else.
type tokenTable struct{}

func (tokenTable) Verify(token string) (usertoken.Claims, error) {
	sub, ok := strings.CutPrefix(token, "token-")
	if !ok || sub == "" {
		return usertoken.Claims{}, errors.New("bad token")
	}
	return usertoken.Claims{Subject: sub, Email: sub + "@example.com", Name: strings.ToUpper(sub)}, nil
}

type pngGenerator struct{ fail bool }

func (g pngGenerator) GenerateImage(context.Context, imagegen.Request) ([]byte, error) {
	if g.fail {
		return nil, errors.New("model unavailable")
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes(), nil
}

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	objects *storage.MemoryStore
}

func newTestServer(t *testing.T, gen imagegen.Generator, maxUpload int64) *testServer {
	t.Helper()
	ts := &testServer{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore("https://cdn.example.com"),
	}
	core, err := app.New(context.Background(), app.Config{Store: ts.store, Objects: ts.objects, Generator: gen})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	resolver, err := identity.NewResolver(tokenTable{}, identity.SchemeSubject)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	srv, err := New(Config{App: core, Identity: resolver, MaxUploadBytes: maxUpload})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts.handler = srv.Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer token-"+user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, user, filename, partType string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if partType != "" {
		h.Set("Content-Type", partType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()
	return ts.do(t, http.MethodPost, "/books", user, body.Bytes(), mw.FormDataContentType())
}

func mustPartition(t *testing.T, ownerID string) partition.Partition {
	t.Helper()
	p, err := partition.For(ownerID)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	return p
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, pngGenerator{}, 0)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnauthorizedRequests(t *testing.T) {
	ts := newTestServer(t, pngGenerator{}, 0)
	rec := ts.do(t, http.MethodGet, "/books", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Code != "AUTH_INVALID_TOKEN" || resp.RequestID == "" {
		t.Fatalf("unexpected error body %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", rec.Code)
	}
}

func TestMeReturnsIdentity(t *testing.T) {
	ts := newTestServer(t, pngGenerator{}, 0)
	rec := ts.do(t, http.MethodGet, "/me", "u1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	id := decode[domain.Identity](t, rec)
	if id.OwnerID != "u1" || id.Email != "u1@example.com" || id.Attributes["name"] != "U1" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestBookLifecycle(t *testing.T) {
	ts := newTestServer(t, pngGenerator{}, 0)

	if rec := ts.do(t, http.MethodGet, "/books", "u1", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("empty list status = %d", rec.Code)
	}

	rec := ts.upload(t, "u1", "moby.pdf", "application/pdf", []byte("%PDF-1.4"), map[string]string{"author": "Melville"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	book := decode[domain.Book](t, rec)
	if book.Title != "moby" || book.Author != "Melville" || book.Type != domain.ContentTypePDF || book.Size != 8 {
		t.Fatalf("unexpected book %+v", book)
	}

	rec = ts.do(t, http.MethodGet, "/books", "u1", nil, "")
	list := decode[struct {
		Items []domain.Book `json:"items"`
		Count int           `json:"count"`
	}](t, rec)
	if rec.Code != http.StatusOK || list.Count != 1 || list.Items[0].ID != book.ID {
		t.Fatalf("unexpected list %d %+v", rec.Code, list)
	}

	rec = ts.do(t, http.MethodGet, "/books/"+book.ID, "u1", nil, "")
	got := decode[domain.Book](t, rec)
	if got.Settings == nil || got.Settings.FontSize != domain.DefaultFontSize {
		t.Fatalf("expected default settings, got %+v", got.Settings)
	}

	rec = ts.do(t, http.MethodGet, "/books/"+book.ID+"/content", "u1", nil, "")
	content := decode[map[string]string](t, rec)
	if !strings.Contains(content["url"], "/u1/"+book.ID+"/book.pdf?") {
		t.Fatalf("unexpected content url %q", content["url"])
	}

	rec = ts.do(t, http.MethodPatch, "/books/"+book.ID+"/settings", "u1", []byte(`{"fontSize":22}`), "application/json")
	if status := decode[map[string]string](t, rec)["status"]; status != "updated" {
		t.Fatalf("settings status = %q", status)
	}
	rec = ts.do(t, http.MethodPatch, "/books/"+book.ID+"/settings", "u1", []byte(`{"fontSize":22}`), "application/json")
	if status := decode[map[string]string](t, rec)["status"]; status != "unchanged" {
		t.Fatalf("repeat settings status = %q", status)
	}

	if rec := ts.do(t, http.MethodGet, "/books/"+book.ID, "u2", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other owner status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/books/"+book.ID, "u1", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, "/books/"+book.ID, "u1", nil, "")
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Code != "BOOK_NOT_FOUND" {
		t.Fatalf("second delete %d %s", rec.Code, rec.Body.String())
	}
	if keys := ts.objects.Keys(); len(keys) != 0 {
		t.Fatalf("objects left after delete: %v", keys)
	}
}

func TestUploadRejections(t *testing.T) {
	ts := newTestServer(t, pngGenerator{}, 1024)

	rec := ts.upload(t, "u1", "notes.txt", "text/plain", []byte("hi"), nil)
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Code != "BOOK_UNSUPPORTED_FILE_TYPE" {
		t.Fatalf("text upload %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.upload(t, "u1", "big.pdf", "application/pdf", bytes.Repeat([]byte("x"), 4096), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload status = %d", rec.Code)
	}

	rec = ts.upload(t, "u1", "book.epub", "application/octet-stream", []byte("PK"), nil)
	if rec.Code != http.StatusCreated || decode[domain.Book](t, rec).Type != domain.ContentTypeEPUB {
		t.Fatalf("epub by extension %d %s", rec.Code, rec.Body.String())
	}
}

func TestHighlightEndpoints(t *testing.T) {
	ts := newTestServer(t, pngGenerator{}, 0)
	book := decode[domain.Book](t, ts.upload(t, "u1", "b.pdf", "application/pdf", []byte("%PDF"), nil))
	base := "/books/" + book.ID + "/highlights"

	rec := ts.do(t, http.MethodPost, base+"?image=true", "u1", []byte(`{"text":"call me ishmael","location":"p.1"}`), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[createHighlightResponse](t, rec)
	if created.Message != "Successfully saved highlight!" || created.HighlightID == "" || created.ImgURL == nil || created.BookID != book.ID {
		t.Fatalf("unexpected create response %+v", created)
	}
	hid := created.HighlightID

	rec = ts.do(t, http.MethodGet, base, "u1", nil, "")
	list := decode[struct {
		Items []domain.Highlight `json:"items"`
		Count int                `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Items[0].ID != hid {
		t.Fatalf("unexpected highlights %+v", list)
	}

	rec = ts.do(t, http.MethodPut, base+"/"+hid+"/image", "u1", nil, "")
	regen := decode[regenerateResponse](t, rec)
	if rec.Code != http.StatusOK || regen.ImgURL != *created.ImgURL {
		t.Fatalf("regenerate %d %+v", rec.Code, regen)
	}

	if rec := ts.do(t, http.MethodDelete, base+"/"+hid+"/image", "u1", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete image status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, base+"/"+hid+"/image", "u1", nil, "")
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Code != "HIGHLIGHT_IMAGE_NOT_FOUND" {
		t.Fatalf("second image delete %d %s", rec.Code, rec.Body.String())
	}

	h := decode[domain.Highlight](t, ts.do(t, http.MethodGet, base+"/"+hid, "u1", nil, ""))
	if h.ImgURL != nil || h.Text != "call me ishmael" {
		t.Fatalf("unexpected highlight %+v", h)
	}

	if rec := ts.do(t, http.MethodDelete, base+"/"+hid, "u1", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, base+"/"+hid, "u1", nil, "")
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Code != "HIGHLIGHT_NOT_FOUND" {
		t.Fatalf("get deleted highlight %d %s", rec.Code, rec.Body.String())
	}
}

func TestHighlightErrorMapping(t *testing.T) {
	ts := newTestServer(t, pngGenerator{fail: true}, 0)
	book := decode[domain.Book](t, ts.upload(t, "u1", "b.pdf", "application/pdf", []byte("%PDF"), nil))
	base := "/books/" + book.ID + "/highlights"

	rec := ts.do(t, http.MethodPost, base+"?image=true", "u1", []byte(`{"text":"x","location":"p.1"}`), "application/json")
	if rec.Code != http.StatusBadGateway || decode[errorResponse](t, rec).Code != "IMAGE_GENERATION_FAILED" {
		t.Fatalf("generation failure %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "model unavailable") {
		t.Fatalf("internal cause leaked: %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, base, "u1", []byte(`{"text":"","location":"p.1"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, base+"?image=maybe", "u1", []byte(`{"text":"x","location":"p.1"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad flag status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/books/missing/highlights", "u1", []byte(`{"text":"x","location":"p.1"}`), "application/json")
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Error != "failed to add highlight" {
		t.Fatalf("missing book %d %s", rec.Code, rec.Body.String())
	}

	_, _ = ts.store.PushHighlight(context.Background(), mustPartition(t, "u1"), book.ID, domain.Highlight{ID: "blank", Location: "p.2"})
	rec = ts.do(t, http.MethodPut, base+"/blank/image", "u1", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("regenerate blank highlight status = %d", rec.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindAuth:          http.StatusUnauthorized,
		domain.KindNotFound:      http.StatusNotFound,
		domain.KindInvalidInput:  http.StatusBadRequest,
		domain.KindInvalidState:  http.StatusConflict,
		domain.KindRateLimited:   http.StatusTooManyRequests,
		domain.KindPartialDelete: http.StatusInternalServerError,
		domain.KindGeneration:    http.StatusBadGateway,
		domain.KindStorageWrite:  http.StatusInternalServerError,
		domain.KindInternal:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestQuotaErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/books/b1/highlights?image=true", nil)
	writeAppError(rec, req, &app.QuotaError{RetryAfter: 90*time.Second + 500*time.Millisecond})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "91" {
		t.Fatalf("Retry-After = %q, want 91", got)
	}
	if got := decode[errorResponse](t, rec).Code; got != "IMAGE_QUOTA_EXCEEDED" {
		t.Fatalf("code = %q", got)
	}
}
