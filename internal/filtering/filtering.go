// Package filtering implements the abuse-resistance middleware that
// sits in front of the channel service: a general request-rate queue,
// a second queue for requests that provoke a 400, a shared-cache
// reconciled blacklist, CIDR whitelisting, observe mode, and an admin
// page for blacklist management.
package filtering

import (
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"keyexchange/server/internal/blacklist"
	"keyexchange/server/internal/ipqueue"
	"keyexchange/server/internal/metrics"
)

// Callback is the signature of the filter's two hooks: Config.Callback
// is fired once, the moment an ip transitions into the blacklist;
// Config.BrCallback is fired on every 400 response.
type Callback func(ip string, r *http.Request)

// Config holds the filter's tunables (spec.md §6, "Configuration
// options (filter)").
type Config struct {
	QueueSize       int
	BrQueueSize     int
	Treshold        int
	BrTreshold      int
	BlacklistTTL    time.Duration
	BrBlacklistTTL  time.Duration
	IPQueueTTL      time.Duration
	IPWhitelist     []string
	Observe         bool
	AdminPage       string // URL path; empty disables the admin surface
	Callback        Callback
	BrCallback      Callback
}

// DefaultConfig matches spec.md's stated filter defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      200,
		BrQueueSize:    20,
		Treshold:       20,
		BrTreshold:     5,
		BlacklistTTL:   300 * time.Second,
		BrBlacklistTTL: 24 * time.Hour,
		IPQueueTTL:     360 * time.Second,
	}
}

// Filter is the middleware. Construct with New and mount via
// Filter.Middleware on an echo instance.
type Filter struct {
	cfg        Config
	general    *ipqueue.Queue
	badRequest *ipqueue.Queue
	bl         *blacklist.Blacklist
	whitelist  []*net.IPNet
	syncer     *blacklist.Syncer // nil if no synchronous reconciliation was configured
	metrics    *metrics.Metrics  // nil if the caller doesn't want blacklist events counted
}

// New constructs a Filter. bl is the shared blacklist; syncer, if
// non-nil, must be a synchronous-mode Syncer whose Tick is called once
// per request (an asynchronous Syncer ticks on its own and is not
// passed here). m may be nil.
func New(cfg Config, bl *blacklist.Blacklist, syncer *blacklist.Syncer, m *metrics.Metrics) *Filter {
	return &Filter{
		cfg:        cfg,
		general:    ipqueue.New(cfg.QueueSize, cfg.IPQueueTTL),
		badRequest: ipqueue.New(cfg.BrQueueSize, cfg.IPQueueTTL),
		bl:         bl,
		whitelist:  parseWhitelist(cfg.IPWhitelist),
		syncer:     syncer,
		metrics:    m,
	}
}

func (f *Filter) blacklisted(queue string) {
	if f.metrics != nil {
		f.metrics.FilterBlacklisted.WithLabelValues(queue).Inc()
	}
}

func parseWhitelist(entries []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = e + "/" + itoa(bits)
		}
		_, ipnet, err := net.ParseCIDR(e)
		if err != nil {
			continue
		}
		nets = append(nets, ipnet)
	}
	return nets
}

func itoa(n int) string {
	if n == 32 {
		return "32"
	}
	return "128"
}

func (f *Filter) isWhitelisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		// An unparseable request ip fails closed: never whitelisted.
		return false
	}
	for _, n := range f.whitelist {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns the echo middleware implementing §4.4's dispatch.
func (f *Filter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			if f.cfg.AdminPage != "" && r.URL.Path == f.cfg.AdminPage {
				// The admin page is the operator's only way to reach a
				// blacklisted ip back out of the blacklist, so it is
				// exempt from every check below it, including one that
				// would 403 the operator's own ip.
				return next(c)
			}

			ip := clientIP(r)

			if ip == "" {
				return c.NoContent(http.StatusForbidden)
			}
			if f.bl.Contains(ip) && !f.cfg.Observe {
				return c.NoContent(http.StatusForbidden)
			}

			if f.syncer != nil {
				f.syncer.Tick()
			}

			f.checkIP(ip, r)

			err := next(c)
			if err != nil {
				// Commit the error to the response now so its status
				// code is visible below; echo would otherwise only do
				// this once our own wrapper has already returned.
				c.Error(err)
				err = nil
			}

			if c.Response().Status == http.StatusBadRequest {
				f.incBadRequest(ip, r)
			}
			return err
		}
	}
}

func (f *Filter) checkIP(ip string, r *http.Request) {
	if f.isWhitelisted(ip) {
		return
	}
	if f.cfg.Observe && f.bl.Contains(ip) {
		return
	}
	f.general.Touch(ip)
	if f.general.Count(ip) >= f.cfg.Treshold {
		if !f.bl.Contains(ip) {
			f.bl.Add(ip, f.cfg.BlacklistTTL)
			f.blacklisted(metrics.QueueGeneral)
			if f.cfg.Callback != nil {
				f.cfg.Callback(ip, r)
			}
		}
	}
}

func (f *Filter) incBadRequest(ip string, r *http.Request) {
	if f.cfg.BrCallback != nil {
		f.cfg.BrCallback(ip, r)
	}
	if f.isWhitelisted(ip) {
		return
	}
	if f.cfg.Observe && f.bl.Contains(ip) {
		return
	}
	f.badRequest.Touch(ip)
	if f.badRequest.Count(ip) >= f.cfg.BrTreshold {
		if !f.bl.Contains(ip) {
			f.bl.Add(ip, f.cfg.BrBlacklistTTL)
			f.blacklisted(metrics.QueueBadRequest)
			if f.cfg.Callback != nil {
				f.cfg.Callback(ip, r)
			}
		}
	}
}

var adminPageTemplate = template.Must(template.New("admin").Parse(`<!doctype html>
<html><body>
<h1>Blacklisted IPs</h1>
<form method="post">
<ul>
{{range .}}<li><input type="checkbox" name="{{.}}" value="on"> {{.}}</li>
{{end}}
</ul>
<button type="submit">Remove selected</button>
</form>
</body></html>`))

// AdminHandler returns the echo.HandlerFunc for the configurable admin
// path: GET lists currently blacklisted ips, POST removes any ip whose
// form field is "on" from the blacklist and both queues, then saves.
func (f *Filter) AdminHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodPost {
			if err := c.Request().ParseForm(); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest)
			}
			for name, values := range c.Request().PostForm {
				if len(values) > 0 && values[0] == "on" {
					f.bl.Remove(name)
					f.general.Remove(name)
					f.badRequest.Remove(name)
				}
			}
			if err := f.bl.Save(); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable)
			}
		}

		ips := f.snapshotBlacklist()
		return adminPageTemplate.Execute(c.Response(), ips)
	}
}

// snapshotBlacklist lists the currently blacklisted ips for the admin
// page, via Blacklist.Snapshot (which prunes expired entries).
func (f *Filter) snapshotBlacklist() []string {
	return f.bl.Snapshot()
}
