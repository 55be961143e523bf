// Package httpapi wires the rendezvous channel service onto HTTP: url
// parsing, method dispatch, CORS preflight, and the health-check
// redirect. Audit events come from the channel service, not from this
// package. The IP filter (internal/filtering) runs in front of
// this package's handlers as echo middleware.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"keyexchange/server/internal/channel"
)

const (
	headerClientID = "X-KeyExchange-Id"
	headerCid      = "X-KeyExchange-Cid"
	headerLog      = "X-KeyExchange-Log"
	headerChannel  = "X-KeyExchange-Channel"

	corsAllowHeaders = "contenttype, x-keyexchange-cid, x-keyexchange-channel, x-keyexchange-id, x-keyexchange-log, if-match, if-none-match"
	corsExposeHeaders = "etag, x-status"
	corsAllowMethods  = "GET, POST, PUT, OPTIONS"
)

// Server exposes the rendezvous channel service over HTTP via an echo
// instance. It does not listen on a socket itself; callers mount
// Handler (and may use Echo to add middleware and routes first).
type Server struct {
	svc         *channel.Service
	echo        *echo.Echo
	redirectURL string
	logger      *slog.Logger
}

// New constructs a Server. redirectURL is where a healthy GET / sends
// its 301.
func New(svc *channel.Service, redirectURL string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{svc: svc, echo: e, redirectURL: redirectURL, logger: logger}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to mount, e.g. behind the IP filter
// middleware.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo returns the underlying echo instance so callers (main.go) can
// attach the IP filter as middleware and register the admin route on
// the same router, instead of layering a second net/http mux on top.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/new_channel", s.handleNewChannel)
	s.echo.POST("/report", s.handleReport)
	s.echo.GET("/:cid", s.handleGetChannel)
	s.echo.PUT("/:cid", s.handlePutChannel)
	s.echo.OPTIONS("/*", s.handlePreflight)
}

func setCORSHeaders(c echo.Context) {
	h := c.Response().Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
}

func (s *Server) handlePreflight(c echo.Context) error {
	setCORSHeaders(c)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleRoot(c echo.Context) error {
	if c.Request().Method != http.MethodGet {
		return echo.NewHTTPError(http.StatusMethodNotAllowed)
	}
	if err := s.svc.HealthCheck(); err != nil {
		s.logger.Error("health check failed", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	}
	return c.Redirect(http.StatusMovedPermanently, s.redirectURL)
}

func (s *Server) handleNewChannel(c echo.Context) error {
	setCORSHeaders(c)
	clientID := c.Request().Header.Get(headerClientID)

	cid, err := s.svc.Create(clientID)
	if err != nil {
		return mapError(err)
	}

	c.Response().Header().Set(headerChannel, cid)
	return c.JSON(http.StatusOK, cid)
}

func (s *Server) handleGetChannel(c echo.Context) error {
	setCORSHeaders(c)
	cid := c.Param("cid")
	clientID := c.Request().Header.Get(headerClientID)
	ifNoneMatch := c.Request().Header.Get("If-None-Match")

	res, err := s.svc.Get(cid, clientID, ifNoneMatch)
	if err != nil {
		return mapError(err)
	}
	if res.NotModified {
		c.Response().Header().Set("ETag", res.ETag)
		return c.NoContent(http.StatusNotModified)
	}

	c.Response().Header().Set("ETag", res.ETag)
	return c.Blob(http.StatusOK, "application/octet-stream", res.Payload)
}

func (s *Server) handlePutChannel(c echo.Context) error {
	setCORSHeaders(c)
	cid := c.Param("cid")
	clientID := c.Request().Header.Get(headerClientID)

	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	ifMatch := parseETagList(c.Request().Header.Get("If-Match"))
	ifNoneMatchStar := c.Request().Header.Get("If-None-Match") == "*"

	etag, err := s.svc.Put(cid, clientID, body, ifMatch, ifNoneMatchStar)
	if err != nil {
		return mapError(err)
	}

	c.Response().Header().Set("ETag", etag)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleReport(c echo.Context) error {
	setCORSHeaders(c)
	req := c.Request()

	clientIDHdr := req.Header.Get(headerClientID)
	cidHdr := req.Header.Get(headerCid)
	logText := req.Header.Get(headerLog)
	body, _ := readBody(c)

	s.svc.Report(cidHdr, clientIDHdr != "", cidHdr != "", logText, body)
	return c.NoContent(http.StatusOK)
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	if req.Body == nil {
		return nil, nil
	}
	return io.ReadAll(req.Body)
}

func parseETagList(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mapError(err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case errors.Is(err, channel.ErrBadClientID), errors.Is(err, channel.ErrIntrusion):
		return echo.NewHTTPError(http.StatusBadRequest)
	case errors.Is(err, channel.ErrPrecondition):
		return echo.NewHTTPError(http.StatusPreconditionFailed)
	case errors.Is(err, channel.ErrIDExhausted), errors.Is(err, channel.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
}

// jsonErrorHandler renders a plain status-only response: the channel
// service's errors never carry client-facing detail beyond the status
// code itself, so there is no message body to preserve.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
	}
	if !c.Response().Committed {
		c.NoContent(code)
	}
}
