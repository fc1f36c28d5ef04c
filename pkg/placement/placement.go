// Package placement picks the server for a new meeting.
package placement

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// ErrNoServerAvailable is returned when no enabled, reachable server exists.
var ErrNoServerAvailable = errors.New("no server available")

// Picker selects placement targets from the registry.
type Picker struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Picker {
	return &Picker{registry: reg}
}

// GetNextServer returns the enabled, reachable server with the lowest summed
// meeting load. Ties are broken uniformly at random so that a fresh fleet
// fills evenly instead of piling onto the lowest id. Servers in exclude are
// never returned; panic migration uses this to keep evacuated meetings off
// the failing server.
func (p *Picker) GetNextServer(ctx context.Context, exclude ...int64) (*registry.Server, error) {
	candidates, err := p.registry.ListServersWithLoad(ctx, exclude...)
	if err != nil {
		return nil, fmt.Errorf("list placement candidates: %w", err)
	}
	best := pick(candidates)
	if best == nil {
		return nil, ErrNoServerAvailable
	}
	return best, nil
}

func pick(candidates []*registry.ServerLoad) *registry.Server {
	var (
		best    *registry.Server
		minLoad int64
		ties    int
	)
	for _, c := range candidates {
		switch {
		case best == nil || c.Load < minLoad:
			best = &c.Server
			minLoad = c.Load
			ties = 1
		case c.Load == minLoad:
			// Reservoir sampling keeps each tied server equally likely
			// without a second pass.
			ties++
			if rand.IntN(ties) == 0 {
				best = &c.Server
			}
		}
	}
	return best
}
