package httpapi

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"keyexchange/server/internal/channel"
	"keyexchange/server/internal/kv"
)

func clientID(b byte) string {
	return strings.Repeat(string(rune(b)), 256)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	svc := channel.New(kv.NewMemory(), channel.DefaultConfig(), nil, nil)
	return New(svc, "https://example.org/redirect", nil)
}

func doRequest(s *Server, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewChannelRequiresClientID(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/new_channel", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no client id: got %d, want 400", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/new_channel", map[string]string{headerClientID: clientID('a')}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("valid client id: got %d, want 200", rec.Code)
	}
	if rec.Header().Get(headerChannel) == "" {
		t.Error("expected X-KeyExchange-Channel header on success")
	}
	var cid string
	if err := json.Unmarshal(rec.Body.Bytes(), &cid); err != nil {
		t.Fatalf("response body not a JSON string: %v", err)
	}
	if cid != rec.Header().Get(headerChannel) {
		t.Errorf("body cid %q != header cid %q", cid, rec.Header().Get(headerChannel))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	a, b := clientID('a'), clientID('b')

	rec := doRequest(s, http.MethodGet, "/new_channel", map[string]string{headerClientID: a}, "")
	var cid string
	json.Unmarshal(rec.Body.Bytes(), &cid)

	rec = doRequest(s, http.MethodPut, "/"+cid, map[string]string{headerClientID: a}, "hello")
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: got %d, want 200", rec.Code)
	}
	sum := md5.Sum([]byte("hello"))
	wantETag := hex.EncodeToString(sum[:])
	if rec.Header().Get("ETag") != wantETag {
		t.Errorf("ETag = %q, want %q", rec.Header().Get("ETag"), wantETag)
	}

	rec = doRequest(s, http.MethodGet, "/"+cid, map[string]string{headerClientID: b}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: got %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("GET body = %q, want %q", rec.Body.String(), "hello")
	}
}

func TestGetUnknownChannel404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/zzzz", map[string]string{headerClientID: clientID('a')}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown channel: got %d, want 404", rec.Code)
	}
}

func TestOptionsSetsCORSHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodOptions, "/anything", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("OPTIONS: got %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin: *")
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != corsAllowMethods {
		t.Errorf("Access-Control-Allow-Methods = %q, want %q", rec.Header().Get("Access-Control-Allow-Methods"), corsAllowMethods)
	}
}

func TestReportAlwaysReturns200(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/report", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty report: got %d, want 200", rec.Code)
	}
}

func TestRootHealthyRedirects(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("healthy GET /: got %d, want 301", rec.Code)
	}
}
