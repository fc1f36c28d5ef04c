package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

const (
	checkAttempts    = 3
	checkRetryDelay  = time.Second
	processCheckName = "check_running_processes.sh"
	systemdCheckName = "check_systemd.sh"
)

// processChecks are the daemons a BBB host must be running.
var processChecks = []string{"nginx", "freeswitch", "redis-server", "mongod", "etherpad"}

// systemdChecks are the BBB HTML5 units probed via systemctl.
var systemdChecks = []string{
	"bbb-html5-backend@1",
	"bbb-html5-backend@2",
	"bbb-html5-frontend@1",
	"bbb-html5-frontend@2",
}

// commandRunner executes one shell probe.
type commandRunner func(ctx context.Context, script string, args ...string) error

func runShellCheck(ctx context.Context, script string, args ...string) error {
	return exec.CommandContext(ctx, "/bin/bash", append([]string{script}, args...)...).Run()
}

// runBundle runs a server's full check sequence and reports whether the
// server is online. The first definitively failing check aborts the rest of
// the bundle.
func (p *Poller) runBundle(ctx context.Context, server *registry.Server) bool {
	host := serverHost(server.URL)

	for _, proc := range processChecks {
		script := filepath.Join(p.cfg.Poller.PluginDir, processCheckName)
		if !p.attempt(ctx, server, proc, func() error {
			return p.runner(ctx, script, host, p.cfg.SSHUser, proc)
		}) {
			return false
		}
	}

	for _, unit := range systemdChecks {
		script := filepath.Join(p.cfg.Poller.PluginDir, systemdCheckName)
		if !p.attempt(ctx, server, unit, func() error {
			return p.runner(ctx, script, host, p.cfg.SSHUser, unit)
		}) {
			return false
		}
	}

	return p.attempt(ctx, server, "api", func() error {
		return p.checkAPI(ctx, server)
	})
}

// attempt retries a failing check before declaring it failed, so a single
// dropped SSH connection does not count as an outage.
func (p *Poller) attempt(ctx context.Context, server *registry.Server, name string, check func() error) bool {
	var err error
	for i := 0; i < checkAttempts; i++ {
		if err = check(); err == nil {
			return true
		}
		if i < checkAttempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(checkRetryDelay):
			}
		}
	}
	p.logger.Warn("check failed", "server", server.ID, "check", name, "error", err)
	return false
}

// checkAPI probes the server's API root, which answers 200 whenever BBB's
// web frontend is up.
func (p *Poller) checkAPI(ctx context.Context, server *registry.Server) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func serverHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
