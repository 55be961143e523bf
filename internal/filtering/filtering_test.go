package filtering

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"keyexchange/server/internal/blacklist"
	"keyexchange/server/internal/kv"
)

func newTestFilter(cfg Config) (*Filter, *echo.Echo) {
	bl := blacklist.New(kv.NewMemory())
	f := New(cfg, bl, nil, nil)

	e := echo.New()
	e.Use(f.Middleware())
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/bad", func(c echo.Context) error { return c.NoContent(http.StatusBadRequest) })
	return f, e
}

func doGet(e *echo.Echo, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBlacklistsAfterTreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Treshold = 5
	cfg.BlacklistTTL = time.Hour
	_, e := newTestFilter(cfg)

	for i := 0; i < 5; i++ {
		rec := doGet(e, "/ok", "1.2.3.4")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, rec.Code)
		}
	}
	rec := doGet(e, "/ok", "1.2.3.4")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("request 6 (past treshold): got %d, want 403", rec.Code)
	}
}

func TestObserveModeNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Treshold = 3
	cfg.BlacklistTTL = time.Hour
	cfg.Observe = true

	var callbackFires int
	cfg.Callback = func(ip string, r *http.Request) { callbackFires++ }

	_, e := newTestFilter(cfg)

	for i := 0; i < 10; i++ {
		rec := doGet(e, "/ok", "5.5.5.5")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d under observe mode: got %d, want 200", i, rec.Code)
		}
	}
	if callbackFires != 1 {
		t.Errorf("callback fired %d times, want exactly 1", callbackFires)
	}
}

func TestWhitelistedIPNeverBlacklisted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Treshold = 2
	cfg.IPWhitelist = []string{"10.0.0.0/8"}
	_, e := newTestFilter(cfg)

	for i := 0; i < 20; i++ {
		rec := doGet(e, "/ok", "10.1.2.3")
		if rec.Code != http.StatusOK {
			t.Fatalf("whitelisted request %d: got %d, want 200", i, rec.Code)
		}
	}
}

func TestBadRequestCounterTripsSeparateThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Treshold = 1000 // keep the general queue from tripping first
	cfg.BrTreshold = 3
	cfg.BrBlacklistTTL = time.Hour
	_, e := newTestFilter(cfg)

	for i := 0; i < 3; i++ {
		doGet(e, "/bad", "7.7.7.7")
	}
	rec := doGet(e, "/ok", "7.7.7.7")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("after br_treshold bad requests: got %d, want 403", rec.Code)
	}
}

func TestAdminPageExemptFromBlacklist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminPage = "/admin"
	cfg.BlacklistTTL = time.Hour

	bl := blacklist.New(kv.NewMemory())
	bl.Add("9.9.9.9", time.Hour)
	f := New(cfg, bl, nil, nil)

	e := echo.New()
	e.Use(f.Middleware())
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET(cfg.AdminPage, f.AdminHandler())

	rec := doGet(e, "/ok", "9.9.9.9")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blacklisted ip on /ok: got %d, want 403", rec.Code)
	}

	rec = doGet(e, cfg.AdminPage, "9.9.9.9")
	if rec.Code != http.StatusOK {
		t.Fatalf("blacklisted ip on admin page: got %d, want 200 (admin page must stay reachable)", rec.Code)
	}
}

func TestNullIPForbidden(t *testing.T) {
	cfg := DefaultConfig()
	_, e := newTestFilter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "" // no ip extractable
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("request with no extractable ip: got %d, want 403", rec.Code)
	}
}
