package api

import (
	"errors"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/migrator"
	"github.com/conferencetools/bbb-loadbalancer/pkg/rcp"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// movedToChainLimit caps moved_to traversal. The chain is loop-free by
// construction, this guards against manual database edits.
const movedToChainLimit = 100

// moveHandler relocates a running meeting, either to an explicit server or
// to the least loaded one.
func (s *Server) moveHandler(c *echo.Context) error {
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

	var dest *registry.Server
	if raw, ok := params.Get("serverID"); ok && raw != "" {
		serverID, err := strconv.Atoi(raw)
		if err != nil {
			return s.fail(c, "notFound", "No server with that server ID exists")
		}
		dest, err = s.registry.GetServerByServerID(ctx, serverID)
		if errors.Is(err, registry.ErrNotFound) {
			return s.fail(c, "notFound", "No server with that server ID exists")
		}
		if err != nil {
			return err
		}
	}

	moved, endDoc, err := s.migrator.MoveMeeting(ctx, meeting, dest)
	if errors.Is(err, migrator.ErrSameServer) {
		return s.fail(c, "sameServer", "The meeting is already on that server")
	}
	if err != nil {
		return err
	}
	if moved == nil {
		// The current server refused to end the meeting; hand its response
		// to the caller and leave the meeting where it is.
		return s.respond(c, endDoc)
	}

	doc := successDoc()
	doc.Set("meetingID", moved.MeetingID)
	return s.respond(c, doc)
}

// rejoinHandler brings an attendee back into a meeting after its server
// ejected them, typically because the meeting was migrated. The surrogate id
// in the URL comes from the logoutURL override the gateway planted during
// create and is bound by its own salted checksum.
func (s *Server) rejoinHandler(c *echo.Context) error {
	surrogate := c.QueryParam("meetingID")
	if surrogate == "" {
		return s.fail(c, "missingParamMeetingID", "You must provide a meeting ID")
	}
	if !rcp.Validate(map[string]any{"meetingID": surrogate}, c.QueryParam("checksum"),
		s.cfg.Secret, rcp.SaltRejoin) {
		return s.fail(c, "checksumError", "You did not pass the checksum security check")
	}

	id, err := strconv.ParseInt(surrogate, 10, 64)
	if err != nil {
		return s.fail(c, "notFound", "No meeting with that ID exists")
	}

	ctx := c.Request().Context()
	meeting, err := s.registry.GetMeetingByID(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return s.fail(c, "notFound", "No meeting with that ID exists")
	}
	if err != nil {
		return err
	}

	terminal, err := s.followMovedTo(c, meeting)
	if err != nil {
		return err
	}
	if terminal == nil {
		// fail already responded.
		return nil
	}

	// The meeting genuinely ended, send the attendee where the operator
	// wanted them after logout.
	if terminal.ID == meeting.ID || terminal.Ended {
		return s.redirect(c, s.logoutTarget(meeting))
	}

	cookie, err := c.Cookie(joinCookieName)
	if err != nil {
		return s.fail(c, "noJoinCookie", "Your join parameters could not be restored")
	}
	joinParams, err := decodeJoinCookie(cookie.Value, s.cfg.Secret)
	if err != nil {
		return s.fail(c, "checksumError", "You did not pass the checksum security check")
	}

	server, err := s.registry.GetServer(ctx, terminal.ServerID)
	if err != nil {
		return err
	}

	params := bbb.ParamsFromMap(joinParams)
	params.Set("meetingID", terminal.MeetingID)
	return s.redirect(c, s.clientFor(server).URL("join", params))
}

// followMovedTo walks the moved_to chain to its terminal meeting. A nil
// result means the walk failed and a response has been written.
func (s *Server) followMovedTo(c *echo.Context, meeting *registry.Meeting) (*registry.Meeting, error) {
	ctx := c.Request().Context()
	current := meeting
	for steps := 0; current.MovedTo != nil; steps++ {
		if steps >= movedToChainLimit {
			s.logger.Error("moved_to chain too long", "meeting_id", meeting.MeetingID, "id", meeting.ID)
			return nil, s.fail(c, "notFound", "No meeting with that ID exists")
		}
		next, err := s.registry.GetMeetingByID(ctx, *current.MovedTo)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, s.fail(c, "notFound", "No meeting with that ID exists")
		}
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func (s *Server) logoutTarget(meeting *registry.Meeting) string {
	if target := meeting.CreateQuery["logoutURL"]; target != "" {
		return target
	}
	if s.cfg.LogoutURL != "" {
		return s.cfg.LogoutURL
	}
	return "https://" + s.cfg.Hostname + "/"
}
