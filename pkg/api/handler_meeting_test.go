package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// fakeBBB is an upstream BBB server answering a fixed XML body per API call.
type fakeBBB struct {
	srv *httptest.Server

	mu        sync.Mutex
	responses map[string]string
	requests  map[string][]url.Values
}

func newFakeBBB(t *testing.T) *fakeBBB {
	t.Helper()
	f := &fakeBBB{
		responses: map[string]string{},
		requests:  map[string][]url.Values{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := strings.TrimPrefix(r.URL.Path, "/")
		f.mu.Lock()
		f.requests[call] = append(f.requests[call], r.URL.Query())
		body, ok := f.responses[call]
		f.mu.Unlock()
		if !ok {
			body = `<response><returncode>FAILED</returncode><messageKey>unsupportedRequest</messageKey></response>`
		}
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBBB) respond(call, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[call] = body
}

func (f *fakeBBB) calls(call string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[call]
}

// addServer registers the fake upstream in the fleet and marks it reachable.
func (env *testEnv) addServer(t *testing.T, serverID int, f *fakeBBB) *registry.Server {
	t.Helper()
	ctx := t.Context()
	s, err := env.registry.CreateServer(ctx, serverID, f.srv.URL+"/", "upstream-secret")
	require.NoError(t, err)
	_, err = env.registry.MarkServerOnline(ctx, s.ID)
	require.NoError(t, err)
	return s
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t, "")
	upstream := newFakeBBB(t)
	upstream.respond("create", `<response><returncode>SUCCESS</returncode><meetingID>room1</meetingID><internalMeetingID>int-room1</internalMeetingID></response>`)
	env.addServer(t, 1, upstream)

	t.Run("missing meetingID", func(t *testing.T) {
		rec := env.get(t, "create", "name=Room")
		doc := envelope(t, rec)
		assert.Equal(t, "missingParamMeetingID", doc.GetString("messageKey"))
	})

	t.Run("create places the meeting", func(t *testing.T) {
		rec := env.get(t, "create", "meetingID=room1&moderatorPW=mp&logoutURL=https%3A%2F%2Foperator.example.org%2F")
		doc := envelope(t, rec)
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))

		meeting, err := env.registry.GetRunningMeeting(t.Context(), "room1")
		require.NoError(t, err)
		assert.Equal(t, "int-room1", meeting.InternalID)

		calls := upstream.calls("create")
		require.Len(t, calls, 1)
		assert.Contains(t, calls[0].Get("logoutURL"), "https://gw.example.org/bigbluebutton/api/rejoin")
	})

	t.Run("repeated create reuses the row", func(t *testing.T) {
		rec := env.get(t, "create", "meetingID=room1&moderatorPW=mp")
		doc := envelope(t, rec)
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))

		rows, err := env.registry.ListMeetingsByMeetingID(t.Context(), "room1")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.Len(t, upstream.calls("create"), 2, "the create is replayed upstream")
	})
}

func TestIsMeetingRunning(t *testing.T) {
	env := newTestEnv(t, "")
	upstream := newFakeBBB(t)
	s := env.addServer(t, 1, upstream)

	require.NoError(t, env.registry.CreateMeeting(t.Context(),
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: s.ID}))

	t.Run("running", func(t *testing.T) {
		doc := envelope(t, env.get(t, "isMeetingRunning", "meetingID=room1"))
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
		assert.Equal(t, "true", doc.GetString("running"))
	})

	t.Run("not running", func(t *testing.T) {
		doc := envelope(t, env.get(t, "isMeetingRunning", "meetingID=ghost"))
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
		assert.Equal(t, "false", doc.GetString("running"))
	})
}

func TestJoin(t *testing.T) {
	env := newTestEnv(t, "")
	upstream := newFakeBBB(t)
	s := env.addServer(t, 1, upstream)

	require.NoError(t, env.registry.CreateMeeting(t.Context(),
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: s.ID}))

	t.Run("redirects and sets the join cookie", func(t *testing.T) {
		rec := env.get(t, "join", "meetingID=room1&fullName=Alice&password=ap")
		require.Equal(t, http.StatusFound, rec.Code)

		location := rec.Header().Get("Location")
		assert.True(t, strings.HasPrefix(location, upstream.srv.URL+"/join?"), location)
		assert.Contains(t, location, "fullName=Alice")
		assert.Contains(t, location, "checksum=")

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		cookie := cookies[0]
		assert.Equal(t, joinCookieName, cookie.Name)
		assert.Equal(t, "gw.example.org", cookie.Domain)
		assert.True(t, cookie.Secure)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

		params, err := decodeJoinCookie(cookie.Value, testSecret)
		require.NoError(t, err)
		assert.Equal(t, "Alice", params["fullName"])
	})

	t.Run("unknown meeting", func(t *testing.T) {
		doc := envelope(t, env.get(t, "join", "meetingID=ghost&fullName=Alice"))
		assert.Equal(t, "notFound", doc.GetString("messageKey"))
	})
}

func TestEnd(t *testing.T) {
	env := newTestEnv(t, "")
	upstream := newFakeBBB(t)
	upstream.respond("end", `<response><returncode>SUCCESS</returncode><messageKey>sentEndMeetingRequest</messageKey></response>`)
	s := env.addServer(t, 1, upstream)

	meeting := &registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: s.ID}
	require.NoError(t, env.registry.CreateMeeting(t.Context(), meeting))

	t.Run("ends upstream and in the registry", func(t *testing.T) {
		doc := envelope(t, env.get(t, "end", "meetingID=room1&password=mp"))
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))

		calls := upstream.calls("end")
		require.Len(t, calls, 1)
		assert.Equal(t, "mp", calls[0].Get("password"))

		got, err := env.registry.GetMeetingByID(t.Context(), meeting.ID)
		require.NoError(t, err)
		assert.True(t, got.Ended)
	})

	t.Run("already gone", func(t *testing.T) {
		doc := envelope(t, env.get(t, "end", "meetingID=room1&password=mp"))
		assert.Equal(t, "notFound", doc.GetString("messageKey"))
	})
}

func TestGetMeetingInfo(t *testing.T) {
	env := newTestEnv(t, "")
	upstream := newFakeBBB(t)
	upstream.respond("getMeetingInfo", `<response><returncode>SUCCESS</returncode><meetingID>room1</meetingID><participantCount>3</participantCount></response>`)
	s := env.addServer(t, 1, upstream)

	require.NoError(t, env.registry.CreateMeeting(t.Context(),
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: s.ID}))

	doc := envelope(t, env.get(t, "getMeetingInfo", "meetingID=room1"))
	assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
	assert.Equal(t, "3", doc.GetString("participantCount"))

	t.Run("unknown meeting", func(t *testing.T) {
		doc := envelope(t, env.get(t, "getMeetingInfo", "meetingID=ghost"))
		assert.Equal(t, "notFound", doc.GetString("messageKey"))
	})
}

func TestGetMeetingsAggregation(t *testing.T) {
	env := newTestEnv(t, "")

	a := newFakeBBB(t)
	a.respond("getMeetings", `<response><returncode>SUCCESS</returncode><meetings><meeting><meetingID>room1</meetingID><participantCount>2</participantCount></meeting></meetings></response>`)
	b := newFakeBBB(t)
	b.respond("getMeetings", `<response><returncode>SUCCESS</returncode><meetings><meeting><meetingID>room2</meetingID><participantCount>5</participantCount></meeting><meeting><meetingID>room3</meetingID><participantCount>1</participantCount></meeting></meetings></response>`)
	env.addServer(t, 1, a)
	env.addServer(t, 2, b)

	disabled := newFakeBBB(t)
	d := env.addServer(t, 3, disabled)
	require.NoError(t, env.registry.SetServerState(t.Context(), d.ID, registry.StateDisabled))

	doc := envelope(t, env.get(t, "getMeetings", ""))
	require.Equal(t, "SUCCESS", doc.GetString("returncode"))

	meetings := doc.GetDoc("meetings")
	require.NotNil(t, meetings)
	assert.Len(t, meetings.GetList("meeting"), 3)
	assert.Empty(t, disabled.calls("getMeetings"), "disabled servers are not queried")
}

func TestGetMeetingsEmpty(t *testing.T) {
	env := newTestEnv(t, "")

	doc := envelope(t, env.get(t, "getMeetings", ""))
	assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
	assert.Equal(t, "noMeetings", doc.GetString("messageKey"))
}

func TestGetStatistics(t *testing.T) {
	env := newTestEnv(t, "")

	a := newFakeBBB(t)
	a.respond("getMeetings", `<response><returncode>SUCCESS</returncode><meetings><meeting><meetingID>room1</meetingID><meetingName>Room One</meetingName><participantCount>4</participantCount><listenerCount>2</listenerCount><voiceParticipantCount>1</voiceParticipantCount><videoCount>3</videoCount><attendeePW>secret</attendeePW></meeting></meetings></response>`)
	env.addServer(t, 1, a)

	idle := newFakeBBB(t)
	idle.respond("getMeetings", `<response><returncode>SUCCESS</returncode><messageKey>noMeetings</messageKey></response>`)
	env.addServer(t, 2, idle)

	doc := envelope(t, env.get(t, "getStatistics", ""))
	require.Equal(t, "SUCCESS", doc.GetString("returncode"))

	// One entry per server, each with its own meeting list.
	servers := doc.GetDoc("servers")
	require.NotNil(t, servers)
	serverList := servers.GetList("server")
	require.Len(t, serverList, 2)

	busy := serverList[0].(*bbb.Doc)
	assert.Equal(t, "1", busy.GetString("serverID"))
	meetings := busy.GetDoc("meetings")
	require.NotNil(t, meetings)
	list := meetings.GetList("meeting")
	require.Len(t, list, 1)

	stats := list[0].(*bbb.Doc)
	assert.Equal(t, "room1", stats.GetString("meetingID"))
	assert.Equal(t, "4", stats.GetString("participantCount"))
	assert.Equal(t, "2", stats.GetString("listenerCount"))
	assert.Equal(t, "1", stats.GetString("voiceParticipantCount"))
	assert.Equal(t, "3", stats.GetString("videoCount"))
	assert.False(t, stats.Has("attendeePW"), "credentials are not leaked")
	assert.False(t, stats.Has("meetingName"))

	empty := serverList[1].(*bbb.Doc)
	assert.Equal(t, "2", empty.GetString("serverID"))
	// An empty meeting list round-trips as an empty element.
	assert.True(t, empty.Has("meetings"))
	assert.Equal(t, "", empty.GetString("meetings"))
}
