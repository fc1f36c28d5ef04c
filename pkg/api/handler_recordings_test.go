package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conferencetools/bbb-loadbalancer/pkg/rcp"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// fakePlayer answers getRecordings with an XML fragment and deleteRecordings
// with a JSON verdict, validating the salted checksum like the real service.
func fakePlayer(t *testing.T, fragment string, deleteOK bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		sum, _ := payload["checksum"].(string)

		switch r.URL.Path {
		case "/getRecordings":
			if !rcp.Validate(payload, sum, testPlayerSecret, rcp.SaltGetRecordings) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "text/xml")
			_, _ = w.Write([]byte(fragment))
		case "/deleteRecordings":
			if !rcp.Validate(payload, sum, testPlayerSecret, rcp.SaltDeleteRecordings) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": deleteOK})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetRecordings(t *testing.T) {
	playerSrv := fakePlayer(t,
		"<recordings><recording><recordID>int-1</recordID><state>published</state></recording></recordings>", true)
	env := newTestEnv(t, playerSrv.URL)
	upstream := newFakeBBB(t)
	s := env.addServer(t, 1, upstream)

	require.NoError(t, env.registry.CreateMeeting(t.Context(),
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: s.ID}))

	t.Run("by meetingID", func(t *testing.T) {
		doc := envelope(t, env.get(t, "getRecordings", "meetingID=room1"))
		require.Equal(t, "SUCCESS", doc.GetString("returncode"))

		recordings := doc.GetDoc("recordings")
		require.NotNil(t, recordings)
		list := recordings.GetList("recording")
		require.Len(t, list, 1)
	})

	t.Run("by recordID", func(t *testing.T) {
		doc := envelope(t, env.get(t, "getRecordings", "recordID=int-1"))
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
		assert.NotNil(t, doc.GetDoc("recordings"))
	})

	t.Run("no matching meeting", func(t *testing.T) {
		doc := envelope(t, env.get(t, "getRecordings", "meetingID=ghost"))
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
		assert.Equal(t, "noRecordings", doc.GetString("messageKey"))
	})
}

func TestGetRecordingsEmptyPlayerBody(t *testing.T) {
	playerSrv := fakePlayer(t, "<recordings></recordings>", true)
	env := newTestEnv(t, playerSrv.URL)
	upstream := newFakeBBB(t)
	s := env.addServer(t, 1, upstream)

	require.NoError(t, env.registry.CreateMeeting(t.Context(),
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: s.ID}))

	doc := envelope(t, env.get(t, "getRecordings", "meetingID=room1"))
	assert.Equal(t, "noRecordings", doc.GetString("messageKey"))
}

func TestDeleteRecordings(t *testing.T) {
	playerSrv := fakePlayer(t, "", true)
	env := newTestEnv(t, playerSrv.URL)

	t.Run("deletes by recordID", func(t *testing.T) {
		doc := envelope(t, env.get(t, "deleteRecordings", "recordID=int-1,int-2"))
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
		assert.Equal(t, "true", doc.GetString("deleted"))
	})

	t.Run("no ids resolves to notFound", func(t *testing.T) {
		doc := envelope(t, env.get(t, "deleteRecordings", "meetingID=ghost"))
		assert.Equal(t, "notFound", doc.GetString("messageKey"))
	})
}

func TestDeleteRecordingsRefused(t *testing.T) {
	playerSrv := fakePlayer(t, "", false)
	env := newTestEnv(t, playerSrv.URL)

	doc := envelope(t, env.get(t, "deleteRecordings", "recordID=int-1"))
	assert.Equal(t, "notFound", doc.GetString("messageKey"))
}

func TestPublishRecordings(t *testing.T) {
	env := newTestEnv(t, "")

	a := newFakeBBB(t)
	a.respond("publishRecordings", `<response><returncode>SUCCESS</returncode><published>false</published></response>`)
	sa := env.addServer(t, 1, a)

	b := newFakeBBB(t)
	b.respond("publishRecordings", `<response><returncode>SUCCESS</returncode><published>false</published></response>`)
	sb := env.addServer(t, 2, b)

	ctx := t.Context()
	require.NoError(t, env.registry.CreateMeeting(ctx,
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: sa.ID}))
	require.NoError(t, env.registry.CreateMeeting(ctx,
		&registry.Meeting{MeetingID: "room2", InternalID: "int-2", ServerID: sa.ID}))
	require.NoError(t, env.registry.CreateMeeting(ctx,
		&registry.Meeting{MeetingID: "room3", InternalID: "int-3", ServerID: sb.ID}))

	doc := envelope(t, env.get(t, "publishRecordings", "recordID=int-1,int-2,int-3&publish=false"))
	require.Equal(t, "SUCCESS", doc.GetString("returncode"))
	assert.Equal(t, "false", doc.GetString("published"))

	callsA := a.calls("publishRecordings")
	require.Len(t, callsA, 1, "one grouped call per server")
	assert.ElementsMatch(t, []string{"int-1", "int-2"},
		strings.Split(callsA[0].Get("recordID"), ","))
	assert.Equal(t, "false", callsA[0].Get("publish"))

	callsB := b.calls("publishRecordings")
	require.Len(t, callsB, 1)
	assert.Equal(t, "int-3", callsB[0].Get("recordID"))

	t.Run("unknown recordings", func(t *testing.T) {
		doc := envelope(t, env.get(t, "publishRecordings", "recordID=nope&publish=true"))
		assert.Equal(t, "notFound", doc.GetString("messageKey"))
	})
}

func TestUpdateRecordings(t *testing.T) {
	env := newTestEnv(t, "")

	a := newFakeBBB(t)
	a.respond("updateRecordings", `<response><returncode>SUCCESS</returncode></response>`)
	sa := env.addServer(t, 1, a)

	require.NoError(t, env.registry.CreateMeeting(t.Context(),
		&registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: sa.ID}))

	doc := envelope(t, env.get(t, "updateRecordings", "recordID=int-1&meta_name=Renamed"))
	require.Equal(t, "SUCCESS", doc.GetString("returncode"))
	assert.Equal(t, "true", doc.GetString("updated"))

	calls := a.calls("updateRecordings")
	require.Len(t, calls, 1)
	assert.Equal(t, "Renamed", calls[0].Get("meta_name"), "extra parameters pass through")
}
