package api

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
	"github.com/conferencetools/bbb-loadbalancer/pkg/version"
)

const joinCookieMaxAge = 7 * 24 * time.Hour

// indexHandler answers the API root with the advertised BBB version.
func (s *Server) indexHandler(c *echo.Context) error {
	doc := successDoc()
	doc.Set("version", version.BBBAPIVersion)
	return s.respond(c, doc)
}

// createHandler places the meeting and replays the create call upstream.
func (s *Server) createHandler(c *echo.Context) error {
	params := requestParams(c)
	if id, _ := params.Get("meetingID"); id == "" {
		return s.fail(c, "missingParamMeetingID", "You must provide a meeting ID")
	}

	_, doc, err := s.balancer.CreateMeeting(c.Request().Context(), params, balancer.CreateOptions{})
	if errors.Is(err, bbb.ErrNoResponse) {
		return s.fail(c, "noResponse", "The server did not respond")
	}
	if err != nil {
		return err
	}
	return s.respond(c, doc)
}

// joinHandler redirects the attendee to the meeting's server, leaving behind
// a signed cookie so rejoin can reconstruct the join after a migration.
func (s *Server) joinHandler(c *echo.Context) error {
	params := requestParams(c)
	meetingID, _ := params.Get("meetingID")
	if meetingID == "" {
		return s.fail(c, "missingParamMeetingID", "You must provide a meeting ID")
	}

	ctx := c.Request().Context()
	meeting, err := s.registry.GetRunningMeeting(ctx, meetingID)
	if errors.Is(err, registry.ErrNotFound) {
		return s.fail(c, "notFound", "The meeting is not running")
	}
	if err != nil {
		return err
	}

	server, err := s.registry.GetServer(ctx, meeting.ServerID)
	if err != nil {
		return err
	}

	c.SetCookie(&http.Cookie{
		Name:     joinCookieName,
		Value:    encodeJoinCookie(params, s.cfg.Secret),
		Domain:   s.cfg.Hostname,
		Path:     "/",
		Expires:  time.Now().Add(joinCookieMaxAge),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	return s.redirect(c, s.clientFor(server).URL("join", params))
}

// isMeetingRunningHandler answers from the registry without touching any
// upstream server.
func (s *Server) isMeetingRunningHandler(c *echo.Context) error {
	params := requestParams(c)
	meetingID, _ := params.Get("meetingID")
	if meetingID == "" {
		return s.fail(c, "missingParamMeetingID", "You must provide a meeting ID")
	}

	_, err := s.registry.GetRunningMeeting(c.Request().Context(), meetingID)
	running := err == nil
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	doc := successDoc()
	doc.Set("running", boolString(running))
	return s.respond(c, doc)
}

// endHandler proxies end to the meeting's server and marks the registry row
// ended on upstream success.
func (s *Server) endHandler(c *echo.Context) error {
	params := requestParams(c)
	meetingID, _ := params.Get("meetingID")
	if meetingID == "" {
		return s.fail(c, "missingParamMeetingID", "You must provide a meeting ID")
	}

	ctx := c.Request().Context()
	meeting, err := s.registry.GetRunningMeeting(ctx, meetingID)
	if errors.Is(err, registry.ErrNotFound) {
		return s.fail(c, "notFound", "The meeting is not running")
	}
	if err != nil {
		return err
	}

	server, err := s.registry.GetServer(ctx, meeting.ServerID)
	if err != nil {
		return err
	}

	doc, err := s.clientFor(server).Do(ctx, "end", params)
	if errors.Is(err, bbb.ErrNoResponse) {
		return s.fail(c, "noResponse", "The server did not respond")
	}
	if err != nil {
		return err
	}

	if doc.GetString("returncode") == "SUCCESS" {
		if err := s.registry.SetMeetingEnded(ctx, meeting.ID); err != nil {
			return err
		}
	}
	return s.respond(c, doc)
}

// getMeetingInfoHandler proxies to the meeting's server and wraps the
// response as-is.
func (s *Server) getMeetingInfoHandler(c *echo.Context) error {
	params := requestParams(c)
	meetingID, _ := params.Get("meetingID")
	if meetingID == "" {
		return s.fail(c, "missingParamMeetingID", "You must provide a meeting ID")
	}

	ctx := c.Request().Context()
	meeting, err := s.registry.GetRunningMeeting(ctx, meetingID)
	if errors.Is(err, registry.ErrNotFound) {
		return s.fail(c, "notFound", "The meeting is not running")
	}
	if err != nil {
		return err
	}

	server, err := s.registry.GetServer(ctx, meeting.ServerID)
	if err != nil {
		return err
	}

	doc, err := s.clientFor(server).Do(ctx, "getMeetingInfo", params)
	if errors.Is(err, bbb.ErrNoResponse) {
		return s.fail(c, "noResponse", "The server did not respond")
	}
	if err != nil {
		return err
	}
	return s.respond(c, doc)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
