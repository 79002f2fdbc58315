// Package fakenvcf provides an in-process fake of the remote generation
// service for tests: token exchange, the asset API, scripted submit and poll
// replies, and zip archives served by reference.
package fakenvcf

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credentials accepted by the token endpoint.
const (
	Username = "fake-user"
	Secret   = "fake-secret"
)

// Reply is one scripted response to a submit or poll request.
type Reply struct {
	Status int
	Header map[string]string
	Body   string
}

// Pending answers 202 with a request id.
func Pending(reqID string) Reply {
	return Reply{Status: http.StatusAccepted, Header: map[string]string{"NVCF-REQID": reqID}, Body: `{"reqId":"` + reqID + `","status":"pending-evaluation"}`}
}

// Fulfilled answers 200 with outputs carrying data inline, the first
// base64-encoded.
func Fulfilled(reqID string, image []byte, aux ...string) Reply {
	return Reply{Status: http.StatusOK, Header: map[string]string{"NVCF-REQID": reqID}, Body: InlineBody(reqID, image, aux...)}
}

// InlineBody renders a fulfilled body with inline outputs.
func InlineBody(reqID string, image []byte, aux ...string) string {
	outputs := []map[string]any{{
		"name": "generated_image", "datatype": "BYTES", "shape": []int{1},
		"data": []string{base64.StdEncoding.EncodeToString(image)},
	}}
	for i, a := range aux {
		outputs = append(outputs, map[string]any{
			"name": fmt.Sprintf("aux_%d", i), "datatype": "BYTES", "shape": []int{1},
			"data": []string{a},
		})
	}
	b, _ := json.Marshal(map[string]any{
		"reqId":    reqID,
		"status":   "fulfilled",
		"response": map[string]any{"outputs": outputs},
	})
	return string(b)
}

// Redirect answers 302 pointing at the fake's redirect route.
func Redirect(reqID, path string) Reply {
	return Reply{Status: http.StatusFound, Header: map[string]string{"NVCF-REQID": reqID, "Location": path}}
}

// Failed answers status with a free-text body.
func Failed(status int, body string) Reply {
	return Reply{Status: status, Body: body}
}

// Request is one request observed by the fake.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	At     time.Time
}

// Server is a scripted fake of the remote service.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	script   []Reply
	requests []Request

	tokenTTL        time.Duration
	tokenStatus     int
	tokensIssued    int
	unauthorized    int
	createFailures  map[string]int
	uploadFailures  map[string]int
	noUploadURL     map[string]bool
	deleteFailures  map[string]int
	created         []string
	uploads         map[string][]byte
	deleted         []string
	archives        map[string][]byte
	archiveStatus   int
	functionsCalled []string
}

// New starts a fake server and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		tokenTTL:       time.Hour,
		tokenStatus:    http.StatusOK,
		createFailures: map[string]int{},
		uploadFailures: map[string]int{},
		noUploadURL:    map[string]bool{},
		deleteFailures: map[string]int{},
		uploads:        map[string][]byte{},
		archives:       map[string][]byte{},
		archiveStatus:  http.StatusOK,
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Post("/token", s.handleToken)
	r.Route("/v2/nvcf", func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/assets", s.handleCreateAsset)
		r.Delete("/assets/{id}", s.handleDeleteAsset)
		r.Post("/pexec/functions/{fn}", s.handleSubmit)
		r.Get("/pexec/status/{reqID}", s.handleScripted)
	})
	r.With(s.requireBearer).Get("/redirect/*", s.handleScripted)
	r.Put("/upload/{id}", s.handleUpload)
	r.Get("/archives/{name}", s.handleArchive)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AuthURL is the token endpoint.
func (s *Server) AuthURL() string { return s.URL + "/token" }

// Script appends replies served, in order, to the submit request and the
// polls that follow it. The last reply repeats once the script runs out.
func (s *Server) Script(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, replies...)
}

// SetTokenTTL sets the lifetime of issued tokens. Zero or negative values
// issue tokens that are already expired.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = d
}

// SetTokenStatus makes the token endpoint answer status without a token.
func (s *Server) SetTokenStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
}

// RejectPolls answers the next n authenticated poll requests with 401.
func (s *Server) RejectPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorized = n
}

// FailCreate answers asset creation for field with status.
func (s *Server) FailCreate(field string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFailures[field] = status
}

// OmitUploadURL creates the asset described as field but answers without an
// upload URL.
func (s *Server) OmitUploadURL(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noUploadURL[field] = true
}

// FailUpload answers the upload of the asset described as field with status.
func (s *Server) FailUpload(field string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFailures[field] = status
}

// FailDelete answers deletions with status until cleared with status 0.
func (s *Server) FailDelete(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFailures["*"] = status
}

// AddArchive serves a zip holding files under /archives/name and returns its URL.
func (s *Server) AddArchive(name string, files map[string][]byte) string {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for fn, data := range files {
		w, _ := zw.Create(fn)
		_, _ = w.Write(data)
	}
	_ = zw.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[name] = buf.Bytes()
	return s.URL + "/archives/" + name
}

// SetArchiveStatus makes archive downloads answer status.
func (s *Server) SetArchiveStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiveStatus = status
}

// Requests returns the recorded requests whose path starts with prefix.
func (s *Server) Requests(prefix string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// JobRequests returns submit and poll requests in the order received.
func (s *Server) JobRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if strings.HasPrefix(r.Path, "/v2/nvcf/pexec/") || strings.HasPrefix(r.Path, "/redirect/") {
			out = append(out, r)
		}
	}
	return out
}

// Created returns the ids of assets created so far.
func (s *Server) Created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// Deleted returns the ids of delete requests received so far, failed ones included.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// Uploaded returns the bytes uploaded for asset id.
func (s *Server) Uploaded(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[id]
}

// TokensIssued counts successful token exchanges.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensIssued
}

// MintToken signs a token expiring at exp. The signature is never checked by
// the client, only the exp claim.
func MintToken(exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   Username,
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	})
	signed, err := tok.SignedString([]byte("fake-signing-key"))
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
			At:     time.Now(),
		})
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != Username || pass != Secret {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, "unsupported grant", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	status, ttl := s.tokenStatus, s.tokenTTL
	if status == http.StatusOK {
		s.tokensIssued++
	}
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "token service unavailable", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": MintToken(time.Now().Add(ttl)),
		"token_type":   "bearer",
	})
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentType string `json:"contentType"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if status, ok := s.createFailures[req.Description]; ok {
		s.mu.Unlock()
		http.Error(w, "asset creation rejected", status)
		return
	}
	id := uuid.NewString()
	s.created = append(s.created, id)
	omit := s.noUploadURL[req.Description]
	s.mu.Unlock()

	resp := map[string]any{
		"assetId":     id,
		"contentType": req.ContentType,
		"description": req.Description,
	}
	if !omit {
		resp["uploadUrl"] = s.URL + "/upload/" + id + "?X-Amz-Signature=fake"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	desc := r.Header.Get("x-amz-meta-nvcf-asset-description")
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	status, fail := s.uploadFailures[desc]
	if !fail {
		s.uploads[id] = body
	}
	s.mu.Unlock()

	if fail {
		http.Error(w, "upload rejected", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	status := s.deleteFailures["*"]
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "delete rejected", status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.functionsCalled = append(s.functionsCalled, chi.URLParam(r, "fn"))
	reply := s.next()
	s.mu.Unlock()
	writeReply(w, reply)
}

func (s *Server) handleScripted(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.unauthorized > 0 {
		s.unauthorized--
		s.mu.Unlock()
		http.Error(w, "token expired", http.StatusUnauthorized)
		return
	}
	reply := s.next()
	s.mu.Unlock()
	writeReply(w, reply)
}

// FunctionsCalled returns the function ids submitted to, in order.
func (s *Server) FunctionsCalled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.functionsCalled...)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.archives[chi.URLParam(r, "name")]
	status := s.archiveStatus
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if status != http.StatusOK {
		http.Error(w, "archive unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(data)
}

// next pops the next scripted reply. Callers hold s.mu.
func (s *Server) next() Reply {
	if len(s.script) == 0 {
		return Failed(http.StatusInternalServerError, "no scripted reply")
	}
	reply := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return reply
}

func writeReply(w http.ResponseWriter, reply Reply) {
	for k, v := range reply.Header {
		w.Header().Set(k, v)
	}
	if reply.Body != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
