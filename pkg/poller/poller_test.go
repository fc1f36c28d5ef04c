package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/config"
	"github.com/conferencetools/bbb-loadbalancer/pkg/database/databasetest"
	"github.com/conferencetools/bbb-loadbalancer/pkg/metrics"
	"github.com/conferencetools/bbb-loadbalancer/pkg/migrator"
	"github.com/conferencetools/bbb-loadbalancer/pkg/placement"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestPoller(t *testing.T) (*Poller, *registry.Registry) {
	t.Helper()
	reg := registry.New(databasetest.Open(t))
	logger := slog.New(slog.NewTextHandler(&testWriter{t}, nil))

	cfg := &config.Config{
		SSHUser: "probe",
		Poller: config.PollerConfig{
			Interval:  time.Second,
			PluginDir: "/opt/loadbalancer/plugins",
		},
	}

	clientFn := func(url, secret string) *bbb.Client {
		return bbb.NewClientWithBase(url, secret, nil)
	}
	picker := placement.New(reg)
	bal := balancer.New(reg, picker, "gw.example.org", "sekret", logger)
	bal.SetClientFunc(clientFn)
	mig := migrator.New(reg, picker, bal, logger)
	mig.SetClientFunc(clientFn)

	p := New(cfg, reg, mig, metrics.New(), logger)
	p.SetClientFunc(clientFn)
	return p, reg
}

// recordingRunner pretends every shell probe succeeds and records the
// invocations.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recordingRunner) run(_ context.Context, script string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	check := args[len(args)-1]
	r.calls = append(r.calls, check)
	if r.fail[check] {
		return errors.New("check failed")
	}
	return nil
}

func (r *recordingRunner) count(check string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == check {
			n++
		}
	}
	return n
}

func TestRunBundle(t *testing.T) {
	p, reg := newTestPoller(t)
	ctx := context.Background()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(api.Close)

	server, err := reg.CreateServer(ctx, 1, api.URL+"/", "s1")
	require.NoError(t, err)

	t.Run("all checks pass", func(t *testing.T) {
		runner := &recordingRunner{}
		p.SetCommandRunner(runner.run)

		assert.True(t, p.runBundle(ctx, server))
		// 5 process checks + 4 systemd units, one invocation each.
		assert.Len(t, runner.calls, 9)
		assert.Equal(t, []string{"nginx", "freeswitch", "redis-server", "mongod", "etherpad",
			"bbb-html5-backend@1", "bbb-html5-backend@2",
			"bbb-html5-frontend@1", "bbb-html5-frontend@2"}, runner.calls)
	})

	t.Run("failing check retries then aborts the bundle", func(t *testing.T) {
		runner := &recordingRunner{fail: map[string]bool{"freeswitch": true}}
		p.SetCommandRunner(runner.run)

		assert.False(t, p.runBundle(ctx, server))
		assert.Equal(t, 1, runner.count("nginx"))
		assert.Equal(t, checkAttempts, runner.count("freeswitch"))
		assert.Zero(t, runner.count("redis-server"), "bundle aborts after the failure")
	})
}

func TestRunBundleAPICheck(t *testing.T) {
	p, reg := newTestPoller(t)
	ctx := context.Background()
	p.SetCommandRunner((&recordingRunner{}).run)

	t.Run("api down means offline", func(t *testing.T) {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(api.Close)

		server, err := reg.CreateServer(ctx, 1, api.URL+"/", "s1")
		require.NoError(t, err)
		assert.False(t, p.runBundle(ctx, server))
	})
}

func TestHysteresis(t *testing.T) {
	p, reg := newTestPoller(t)
	ctx := context.Background()

	t.Run("two failures panic an enabled server", func(t *testing.T) {
		server, err := reg.CreateServer(ctx, 1, "https://a.example.org/", "s1")
		require.NoError(t, err)

		p.markOffline(ctx, server)
		got, err := reg.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, registry.StateEnabled, got.State, "one failure is not enough")

		p.markOffline(ctx, server)
		// The panic migration runs asynchronously.
		assert.Eventually(t, func() bool {
			got, err := reg.GetServer(ctx, server.ID)
			return err == nil && got.State == registry.StatePanic
		}, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("twenty successes recover a panicked server", func(t *testing.T) {
		server, err := reg.CreateServer(ctx, 2, "https://b.example.org/", "s2")
		require.NoError(t, err)
		require.NoError(t, reg.SetServerState(ctx, server.ID, registry.StatePanic))

		for i := 0; i < registry.MaxReachable-1; i++ {
			p.markOnline(ctx, server)
		}
		got, err := reg.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, registry.StatePanic, got.State, "nineteen is not enough")

		p.markOnline(ctx, server)
		got, err = reg.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, registry.StateEnabled, got.State)
	})
}

func TestProbeMeeting(t *testing.T) {
	p, reg := newTestPoller(t)
	ctx := context.Background()

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<response><returncode>FAILED</returncode><messageKey>notFound</messageKey></response>`)
	}))
	t.Cleanup(notFound.Close)

	server, err := reg.CreateServer(ctx, 1, notFound.URL+"/", "s1")
	require.NoError(t, err)

	meeting := &registry.Meeting{MeetingID: "room1", InternalID: "int-1", ServerID: server.ID}
	require.NoError(t, reg.CreateMeeting(ctx, meeting))

	t.Run("not found upstream ends the meeting", func(t *testing.T) {
		p.probeMeeting(ctx, &registry.PollMeeting{
			Meeting:      *meeting,
			ServerURL:    notFound.URL + "/",
			ServerSecret: "s1",
		})
		got, err := reg.GetMeetingByID(ctx, meeting.ID)
		require.NoError(t, err)
		assert.True(t, got.Ended)
	})

	t.Run("transport error keeps the meeting alive", func(t *testing.T) {
		alive := &registry.Meeting{MeetingID: "room2", InternalID: "int-2", ServerID: server.ID}
		require.NoError(t, reg.CreateMeeting(ctx, alive))

		p.probeMeeting(ctx, &registry.PollMeeting{
			Meeting:      *alive,
			ServerURL:    "http://127.0.0.1:1/",
			ServerSecret: "s1",
		})
		got, err := reg.GetMeetingByID(ctx, alive.ID)
		require.NoError(t, err)
		assert.False(t, got.Ended)
	})
}

func TestStartStop(t *testing.T) {
	p, _ := newTestPoller(t)
	p.SetCommandRunner((&recordingRunner{}).run)

	p.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	p.Stop()
}
