package bbb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient points a Client at an httptest server, bypassing URL
// normalization (which would force https).
func testClient(serverURL, secret string) *Client {
	return &Client{
		apiURL: serverURL + "/bigbluebutton/api/",
		secret: secret,
		http:   &http.Client{Timeout: time.Second},
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare host", "bbb1.example.org", "https://bbb1.example.org/bigbluebutton/api/"},
		{"http scheme", "http://bbb1.example.org", "https://bbb1.example.org/bigbluebutton/api/"},
		{"https scheme", "https://bbb1.example.org", "https://bbb1.example.org/bigbluebutton/api/"},
		{"trailing path", "https://bbb1.example.org/bigbluebutton/", "https://bbb1.example.org/bigbluebutton/api/"},
		{"whitespace", "  bbb1.example.org ", "https://bbb1.example.org/bigbluebutton/api/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeURL(tt.in)
			assert.Equal(t, tt.want, got)
			// Idempotence.
			assert.Equal(t, got, NormalizeURL(got))
		})
	}
}

func TestParamsEncodeOrder(t *testing.T) {
	p := NewParams()
	p.Set("name", "Room One")
	p.Set("meetingID", "room-1")
	p.SetBool("record", true)

	assert.Equal(t, "name=Room+One&meetingID=room-1&record=true", p.Encode())

	// Overwriting keeps the original position.
	p.Set("name", "Renamed")
	assert.Equal(t, "name=Renamed&meetingID=room-1&record=true", p.Encode())
}

func TestParamsFromMapIsSorted(t *testing.T) {
	p := ParamsFromMap(map[string]string{"b": "2", "a": "1", "c": "3"})
	assert.Equal(t, "a=1&b=2&c=3", p.Encode())
}

func TestParseQuery(t *testing.T) {
	p := ParseQuery("meetingID=room+1&name=Caf%C3%A9&flag")

	id, ok := p.Get("meetingID")
	require.True(t, ok)
	assert.Equal(t, "room 1", id)

	name, ok := p.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Café", name)

	flag, ok := p.Get("flag")
	require.True(t, ok)
	assert.Empty(t, flag)

	// Round trip preserves parameter order.
	assert.Equal(t, "meetingID=room+1&name=Caf%C3%A9&flag=", p.Encode())
}

func TestBuildAPIURL(t *testing.T) {
	params := NewParams()
	params.Set("meetingID", "room-1")

	query := "meetingID=room-1"
	sum := sha1.Sum([]byte("create" + query + "s3cret"))
	want := "https://bbb.example.org/bigbluebutton/api/create?" + query +
		"&checksum=" + hex.EncodeToString(sum[:])

	got := BuildAPIURL("https://bbb.example.org/bigbluebutton/api/", "s3cret", "create", params)
	assert.Equal(t, want, got)
}

func TestClientDo(t *testing.T) {
	t.Run("GET parses response", func(t *testing.T) {
		var gotPath, gotQuery string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode><running>true</running></response>`))
		}))
		defer server.Close()

		c := testClient(server.URL, "secret")
		params := NewParams()
		params.Set("meetingID", "room-1")

		doc, err := c.Do(context.Background(), "isMeetingRunning", params)
		require.NoError(t, err)
		assert.Equal(t, "/bigbluebutton/api/isMeetingRunning", gotPath)
		assert.Contains(t, gotQuery, "meetingID=room-1&checksum=")
		assert.Equal(t, "SUCCESS", doc.GetString("returncode"))
		assert.Equal(t, "true", doc.GetString("running"))
	})

	t.Run("POST sends form body", func(t *testing.T) {
		var gotMethod, gotBody, gotContentType string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotContentType = r.Header.Get("Content-Type")
			require.NoError(t, r.ParseForm())
			gotBody = r.PostForm.Encode()
			_, _ = w.Write([]byte(`<response><returncode>SUCCESS</returncode></response>`))
		}))
		defer server.Close()

		c := testClient(server.URL, "secret")
		body := NewParams()
		body.Set("meta_comment", "hello world")

		_, err := c.DoPost(context.Background(), "create", nil, body)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
		assert.Equal(t, "meta_comment=hello+world", gotBody)
	})

	t.Run("transport failure is ErrNoResponse", func(t *testing.T) {
		c := testClient("http://127.0.0.1:1", "secret")
		_, err := c.Do(context.Background(), "getMeetings", nil)
		require.ErrorIs(t, err, ErrNoResponse)
	})

	t.Run("malformed XML is fatal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<response><broken`))
		}))
		defer server.Close()

		c := testClient(server.URL, "secret")
		_, err := c.Do(context.Background(), "getMeetings", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoResponse)
		assert.Contains(t, err.Error(), "xml syntax error")
	})
}
