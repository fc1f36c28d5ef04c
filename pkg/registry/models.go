// Package registry is the persistent store of servers and meetings.
package registry

import "time"

// ServerState is the lifecycle state of a BBB server.
type ServerState string

const (
	StateEnabled  ServerState = "ENABLED"
	StateDisabled ServerState = "DISABLED"
	StatePanic    ServerState = "PANIC"
)

// Reachability hysteresis bounds. A server leaves PANIC after MaxReachable
// consecutive successful polls and enters it after MaxUnreachable
// consecutive failed ones.
const (
	MaxReachable   = 20
	MaxUnreachable = 2
)

// TempInternalID is the sentinel internal id of a meeting whose upstream
// create call is still in flight.
const TempInternalID = "**TEMP**"

// TempGracePeriod is how long a TEMP meeting may exist before health checks
// start ignoring it.
const TempGracePeriod = 10 * time.Second

// Server is one BBB backend of the fleet.
type Server struct {
	ID       int64
	ServerID int
	URL      string
	Secret   string
	State    ServerState
	// Reachable and Unreachable are the hysteresis counters, not booleans.
	Reachable   int
	Unreachable int
}

// IsReachable reports whether the server answered its most recent poll.
func (s *Server) IsReachable() bool {
	return s.Reachable > 0
}

// Meeting is one registry row binding a public meeting id to a server.
type Meeting struct {
	ID          int64
	MeetingID   string
	InternalID  string
	ServerID    int64
	Ended       bool
	Load        int
	CreateQuery map[string]string
	Created     time.Time
	MovedTo     *int64
}

// ServerLoad is a placement candidate: an enabled, reachable server together
// with its summed load across running meetings.
type ServerLoad struct {
	Server
	Load int64
}

// PollMeeting is a meeting due for a liveness probe, joined with the
// credentials of its server.
type PollMeeting struct {
	Meeting
	ServerURL    string
	ServerSecret string
}

// StateCounts is the per-state server tally served by the monitoring
// endpoint.
type StateCounts struct {
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
	Panic    int `json:"panic"`
	Total    int `json:"total"`
}
