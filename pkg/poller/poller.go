// Package poller probes every fleet member on a fixed interval and drives
// the reachability state machine, including panic escalation.
package poller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/config"
	"github.com/conferencetools/bbb-loadbalancer/pkg/metrics"
	"github.com/conferencetools/bbb-loadbalancer/pkg/migrator"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// Poller runs the periodic health check cycle. Check bundles for different
// servers run in parallel; a server's own checks run in sequence so a dead
// host fails fast instead of piling up probes.
type Poller struct {
	cfg      *config.Config
	registry *registry.Registry
	migrator *migrator.Migrator
	metrics  *metrics.Metrics
	logger   *slog.Logger

	newClient balancer.ClientFunc
	runner    commandRunner
	http      *http.Client

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, reg *registry.Registry, mig *migrator.Migrator,
	m *metrics.Metrics, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:       cfg,
		registry:  reg,
		migrator:  mig,
		metrics:   m,
		logger:    logger.With("component", "poller"),
		newClient: bbb.NewClient,
		runner:    runShellCheck,
		http:      &http.Client{Timeout: bbb.DefaultTimeout},
	}
}

// SetClientFunc overrides upstream client construction. Test hook.
func (p *Poller) SetClientFunc(fn balancer.ClientFunc) {
	p.newClient = fn
}

// SetCommandRunner overrides shell probe execution. Test hook.
func (p *Poller) SetCommandRunner(r commandRunner) {
	p.runner = r
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx)

	p.logger.Info("poller started", "interval", p.cfg.Poller.Interval)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	p.cycle(ctx)

	ticker := time.NewTicker(p.cfg.Poller.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle probes every server and every pollable meeting once.
func (p *Poller) cycle(ctx context.Context) {
	servers, err := p.registry.ListServers(ctx)
	if err != nil {
		p.logger.Error("could not list servers", "error", err)
		return
	}
	meetings, err := p.registry.ListPollableMeetings(ctx)
	if err != nil {
		p.logger.Error("could not list pollable meetings", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server *registry.Server) {
			defer wg.Done()
			p.probeServer(ctx, server)
		}(server)
	}
	for _, meeting := range meetings {
		wg.Add(1)
		go func(meeting *registry.PollMeeting) {
			defer wg.Done()
			p.probeMeeting(ctx, meeting)
		}(meeting)
	}
	wg.Wait()

	p.metrics.PollerCycles.Inc()
	p.publishStateCounts(ctx)
}

// probeServer runs the check bundle and applies the reachability hysteresis.
func (p *Poller) probeServer(ctx context.Context, server *registry.Server) {
	if p.runBundle(ctx, server) {
		p.metrics.PollerChecks.WithLabelValues("online").Inc()
		p.markOnline(ctx, server)
	} else {
		p.metrics.PollerChecks.WithLabelValues("offline").Inc()
		p.markOffline(ctx, server)
	}
}

func (p *Poller) markOnline(ctx context.Context, server *registry.Server) {
	updated, err := p.registry.MarkServerOnline(ctx, server.ID)
	if err != nil {
		p.logger.Error("could not record online poll", "server", server.ID, "error", err)
		return
	}
	if updated.Reachable == registry.MaxReachable && updated.State == registry.StatePanic {
		p.logger.Info("server recovered from panic", "server", server.ID)
		if err := p.registry.SetServerState(ctx, server.ID, registry.StateEnabled); err != nil {
			p.logger.Error("could not re-enable server", "server", server.ID, "error", err)
		}
	}
}

func (p *Poller) markOffline(ctx context.Context, server *registry.Server) {
	updated, err := p.registry.MarkServerOffline(ctx, server.ID)
	if err != nil {
		p.logger.Error("could not record offline poll", "server", server.ID, "error", err)
		return
	}
	if updated.Unreachable == registry.MaxUnreachable && updated.State == registry.StateEnabled {
		p.logger.Warn("server unreachable, starting panic migration", "server", server.ID)
		p.metrics.PanicsStarted.Inc()
		// Evacuation talks to every other server and must not stall the
		// poll cycle.
		go func() {
			if err := p.migrator.Panic(context.Background(), server.ID); err != nil {
				p.logger.Error("panic migration failed", "server", server.ID, "error", err)
			}
		}()
	}
}

// probeMeeting checks a meeting still exists on its server. Only a definite
// upstream "not found" ends it; transport errors keep the meeting alive
// because the server hysteresis handles dead servers.
func (p *Poller) probeMeeting(ctx context.Context, meeting *registry.PollMeeting) {
	params := bbb.NewParams()
	params.Set("meetingID", meeting.MeetingID)

	client := p.newClient(meeting.ServerURL, meeting.ServerSecret)
	doc, err := client.Do(ctx, "getMeetingInfo", params)
	if err != nil {
		p.logger.Warn("meeting probe failed", "meeting_id", meeting.MeetingID, "error", err)
		return
	}

	if doc.GetString("returncode") == "FAILED" && doc.GetString("messageKey") == "notFound" {
		p.logger.Info("meeting ended upstream", "meeting_id", meeting.MeetingID)
		if err := p.registry.SetMeetingEnded(ctx, meeting.ID); err != nil {
			p.logger.Error("could not end meeting", "meeting_id", meeting.MeetingID, "error", err)
		}
	}
}

func (p *Poller) publishStateCounts(ctx context.Context) {
	counts, err := p.registry.CountServersByState(ctx)
	if err != nil {
		p.logger.Error("could not count servers", "error", err)
		return
	}
	p.metrics.ServersByState.WithLabelValues(string(registry.StateEnabled)).Set(float64(counts.Enabled))
	p.metrics.ServersByState.WithLabelValues(string(registry.StateDisabled)).Set(float64(counts.Disabled))
	p.metrics.ServersByState.WithLabelValues(string(registry.StatePanic)).Set(float64(counts.Panic))
}
