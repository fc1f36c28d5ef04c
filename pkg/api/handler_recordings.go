package api

import (
	"errors"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// resolveRecordIDs turns the request's recordID or meetingID parameters into
// the list of internal meeting ids recordings are filed under.
func (s *Server) resolveRecordIDs(c *echo.Context, params *bbb.Params) ([]string, error) {
	if raw, ok := params.Get("recordID"); ok && raw != "" {
		return strings.Split(raw, ","), nil
	}

	raw, ok := params.Get("meetingID")
	if !ok || raw == "" {
		return nil, nil
	}

	ctx := c.Request().Context()
	var ids []string
	for _, meetingID := range strings.Split(raw, ",") {
		meetings, err := s.registry.ListMeetingsByMeetingID(ctx, meetingID)
		if err != nil {
			return nil, err
		}
		for _, m := range meetings {
			if m.InternalID == registry.TempInternalID {
				continue
			}
			ids = append(ids, m.InternalID)
		}
	}
	return ids, nil
}

// getRecordingsHandler fetches recording metadata from the player service
// and inlines its XML answer into the envelope.
func (s *Server) getRecordingsHandler(c *echo.Context) error {
	params := requestParams(c)
	ids, err := s.resolveRecordIDs(c, params)
	if err != nil {
		return err
	}

	noRecordings := func() error {
		doc := successDoc()
		doc.Set("messageKey", "noRecordings")
		doc.Set("message", "There are no recordings for the meeting(s).")
		doc.Set("recordings", "")
		return s.respond(c, doc)
	}

	if len(ids) == 0 {
		return noRecordings()
	}

	fragment, err := s.player.GetRecordings(c.Request().Context(), ids)
	if err != nil {
		return err
	}

	inner := strings.TrimSuffix(strings.TrimPrefix(fragment, "<recordings>"), "</recordings>")
	if fragment == "" || fragment == "<recordings/>" || strings.TrimSpace(inner) == "" {
		return noRecordings()
	}

	doc := successDoc()
	doc.Set("recordings", bbb.RawXML(inner))
	return s.respond(c, doc)
}

// forwardRecordingsCall groups record ids by owning server and replays the
// call once per server with a comma-joined list. One upstream success makes
// the whole call a success.
func (s *Server) forwardRecordingsCall(c *echo.Context, call string) error {
	params := requestParams(c)
	ids, err := s.resolveRecordIDs(c, params)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	byServer := make(map[int64][]string)
	for _, id := range ids {
		meeting, err := s.registry.GetMeetingByInternalID(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		byServer[meeting.ServerID] = append(byServer[meeting.ServerID], id)
	}

	succeeded := false
	for serverID, group := range byServer {
		server, err := s.registry.GetServer(ctx, serverID)
		if err != nil {
			return err
		}
		if server.State != registry.StateEnabled {
			continue
		}

		upstream := params.Clone()
		upstream.Set("recordID", strings.Join(group, ","))
		doc, err := s.clientFor(server).Do(ctx, call, upstream)
		if err != nil {
			s.logger.Warn("recordings call failed",
				"call", call, "server", serverID, "error", err)
			continue
		}
		if doc.GetString("returncode") == "SUCCESS" {
			succeeded = true
		}
	}

	if !succeeded {
		return s.fail(c, "notFound", "We could not find recordings")
	}

	doc := successDoc()
	if call == "publishRecordings" {
		published, _ := params.Get("publish")
		doc.Set("published", published)
	} else {
		doc.Set("updated", "true")
	}
	return s.respond(c, doc)
}

func (s *Server) publishRecordingsHandler(c *echo.Context) error {
	return s.forwardRecordingsCall(c, "publishRecordings")
}

func (s *Server) updateRecordingsHandler(c *echo.Context) error {
	return s.forwardRecordingsCall(c, "updateRecordings")
}

// deleteRecordingsHandler forwards the deletion to the player service, which
// owns recording storage.
func (s *Server) deleteRecordingsHandler(c *echo.Context) error {
	params := requestParams(c)
	ids, err := s.resolveRecordIDs(c, params)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return s.fail(c, "notFound", "We could not find recordings")
	}

	ok, err := s.player.DeleteRecordings(c.Request().Context(), ids)
	if err != nil {
		return err
	}
	if !ok {
		return s.fail(c, "notFound", "We could not find recordings")
	}

	doc := successDoc()
	doc.Set("deleted", "true")
	return s.respond(c, doc)
}
