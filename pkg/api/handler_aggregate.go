package api

import (
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// meetingsFromServer asks one server for its meetings. Disabled servers and
// servers that fail to answer yield an empty list; a partial view beats no
// view.
func (s *Server) meetingsFromServer(c *echo.Context, server *registry.Server) bbb.List {
	if server.State != registry.StateEnabled {
		return nil
	}
	doc, err := s.clientFor(server).Do(c.Request().Context(), "getMeetings", bbb.NewParams())
	if err != nil {
		s.logger.Warn("getMeetings failed", "server", server.ID, "error", err)
		return nil
	}
	meetings := doc.GetDoc("meetings")
	if meetings == nil {
		return nil
	}
	return meetings.GetList("meeting")
}

// collectMeetings concatenates the meetings of the whole fleet.
func (s *Server) collectMeetings(c *echo.Context) (bbb.List, error) {
	servers, err := s.registry.ListServers(c.Request().Context())
	if err != nil {
		return nil, err
	}

	var all bbb.List
	for _, server := range servers {
		all = append(all, s.meetingsFromServer(c, server)...)
	}
	return all, nil
}

// getMeetingsHandler aggregates getMeetings across the fleet.
func (s *Server) getMeetingsHandler(c *echo.Context) error {
	all, err := s.collectMeetings(c)
	if err != nil {
		return err
	}

	doc := successDoc()
	if len(all) == 0 {
		doc.Set("messageKey", "noMeetings")
		doc.Set("message", "no meetings were found on this server")
		doc.Set("meetings", "")
		return s.respond(c, doc)
	}

	meetings := bbb.NewDoc()
	meetings.Set("meeting", all)
	doc.Set("meetings", meetings)
	return s.respond(c, doc)
}

// getStatisticsHandler reports how meetings are distributed over the fleet:
// one entry per server, each meeting projected down to its usage counters.
// Every server appears, even with no meetings on it.
func (s *Server) getStatisticsHandler(c *echo.Context) error {
	servers, err := s.registry.ListServers(c.Request().Context())
	if err != nil {
		return err
	}

	var serverList bbb.List
	for _, server := range servers {
		projected := bbb.List{}
		for _, entry := range s.meetingsFromServer(c, server) {
			meeting, ok := entry.(*bbb.Doc)
			if !ok {
				continue
			}
			stats := bbb.NewDoc()
			for _, key := range []string{
				"meetingID",
				"participantCount",
				"listenerCount",
				"voiceParticipantCount",
				"videoCount",
			} {
				stats.Set(key, meeting.GetString(key))
			}
			projected = append(projected, stats)
		}

		meetings := bbb.NewDoc()
		meetings.Set("meeting", projected)
		entry := bbb.NewDoc()
		entry.Set("serverID", strconv.Itoa(server.ServerID))
		entry.Set("meetings", meetings)
		serverList = append(serverList, entry)
	}

	inner := bbb.NewDoc()
	inner.Set("server", serverList)
	doc := successDoc()
	doc.Set("servers", inner)
	return s.respond(c, doc)
}
