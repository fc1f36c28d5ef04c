// Package api is the HTTP gateway: it speaks the BBB API to clients and
// fans requests out to the fleet.
package api

import (
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/config"
	"github.com/conferencetools/bbb-loadbalancer/pkg/metrics"
	"github.com/conferencetools/bbb-loadbalancer/pkg/migrator"
	"github.com/conferencetools/bbb-loadbalancer/pkg/player"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// Server is the gateway HTTP server.
type Server struct {
	echo      *echo.Echo
	db        *sql.DB
	registry  *registry.Registry
	balancer  *balancer.Balancer
	migrator  *migrator.Migrator
	player    *player.Client
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    *slog.Logger
	newClient balancer.ClientFunc
}

func NewServer(cfg *config.Config, db *sql.DB, reg *registry.Registry, bal *balancer.Balancer,
	mig *migrator.Migrator, playerClient *player.Client, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		echo:      echo.New(),
		db:        db,
		registry:  reg,
		balancer:  bal,
		migrator:  mig,
		player:    playerClient,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		newClient: bbb.NewClient,
	}
	s.setupRoutes()
	return s
}

// SetClientFunc overrides upstream client construction. Test hook.
func (s *Server) SetClientFunc(fn balancer.ClientFunc) {
	s.newClient = fn
}

func (s *Server) setupRoutes() {
	s.echo.Use(s.hostFilter)

	s.echo.Any("/bigbluebutton/api", s.indexHandler)
	s.echo.Any("/bigbluebutton/api/", s.indexHandler)
	s.echo.Any("/bigbluebutton/api/:call", s.apiHandler)

	s.echo.GET("/monitoring/getServers", s.getServersHandler)
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
}

// Handler exposes the router for an http.Server and for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// hostFilter rejects requests whose Host header is not in allowed_hosts. An
// empty list allows any host.
func (s *Server) hostFilter(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if len(s.cfg.AllowedHosts) == 0 ||
			hostAllowed(requestHost(c.Request().Host), s.cfg.AllowedHosts) {
			return next(c)
		}
		return c.String(http.StatusBadRequest, "Bad Request")
	}
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// requestHost strips the port from a Host header value.
func requestHost(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// apiHandler serves /bigbluebutton/api/<call>. Expected failures become
// FAILED envelopes inside the handlers; anything that escapes as an error is
// logged and reported as internalError. The response is always HTTP 200 XML.
func (s *Server) apiHandler(c *echo.Context) error {
	endpoint := c.Param("call")
	start := time.Now()

	err := s.dispatch(c, endpoint)
	if err != nil {
		s.logger.Error("handler failed", "endpoint", endpoint, "error", err)
		err = s.fail(c, "internalError",
			"An internal error occurred. Please contact the administrator.")
	}

	s.metrics.APIRequests.WithLabelValues(endpoint, s.returncode(c)).Inc()
	s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	return err
}

func (s *Server) dispatch(c *echo.Context, endpoint string) error {
	// rejoin carries its own salted checksum bound to the surrogate id, not
	// the fleet-wide API checksum.
	if endpoint == "rejoin" {
		return s.rejoinHandler(c)
	}

	if !s.validChecksum(endpoint, c.Request().URL.RawQuery) {
		return s.fail(c, "checksumError", "You did not pass the checksum security check")
	}

	switch endpoint {
	case "create":
		return s.createHandler(c)
	case "join":
		return s.joinHandler(c)
	case "isMeetingRunning":
		return s.isMeetingRunningHandler(c)
	case "end":
		return s.endHandler(c)
	case "getMeetingInfo":
		return s.getMeetingInfoHandler(c)
	case "getMeetings":
		return s.getMeetingsHandler(c)
	case "getStatistics":
		return s.getStatisticsHandler(c)
	case "getRecordings":
		return s.getRecordingsHandler(c)
	case "publishRecordings":
		return s.publishRecordingsHandler(c)
	case "updateRecordings":
		return s.updateRecordingsHandler(c)
	case "deleteRecordings":
		return s.deleteRecordingsHandler(c)
	case "move":
		return s.moveHandler(c)
	default:
		return s.fail(c, "unsupportedRequest", "This request is not supported.")
	}
}

// requestParams returns the query parameters in client order, without the
// checksum pair.
func requestParams(c *echo.Context) *bbb.Params {
	params := bbb.ParseQuery(c.Request().URL.RawQuery)
	params.Del("checksum")
	return params
}

func successDoc() *bbb.Doc {
	doc := bbb.NewDoc()
	doc.Set("returncode", "SUCCESS")
	return doc
}

// respond writes doc as the response envelope.
func (s *Server) respond(c *echo.Context, doc *bbb.Doc) error {
	c.Set("returncode", doc.GetString("returncode"))
	return c.Blob(http.StatusOK, "text/xml", bbb.EmitXML("response", doc))
}

// fail writes a FAILED envelope with the given message key.
func (s *Server) fail(c *echo.Context, messageKey, message string) error {
	doc := bbb.NewDoc()
	doc.Set("returncode", "FAILED")
	doc.Set("messageKey", messageKey)
	doc.Set("message", message)
	return s.respond(c, doc)
}

// redirect records the request as successful and sends a 302.
func (s *Server) redirect(c *echo.Context, url string) error {
	c.Set("returncode", "SUCCESS")
	return c.Redirect(http.StatusFound, url)
}

func (s *Server) returncode(c *echo.Context) string {
	if rc, ok := c.Get("returncode").(string); ok {
		return rc
	}
	return "NONE"
}

func (s *Server) clientFor(server *registry.Server) *bbb.Client {
	return s.newClient(server.URL, server.Secret)
}
