// Package migrator moves meetings between servers, both one at a time for
// the move operation and wholesale when a server panics.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/placement"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// ErrSameServer is returned when no destination other than the meeting's
// current server exists.
var ErrSameServer = errors.New("no server to move to")

// Migrator relocates running meetings.
type Migrator struct {
	registry  *registry.Registry
	picker    *placement.Picker
	balancer  *balancer.Balancer
	logger    *slog.Logger
	newClient balancer.ClientFunc
}

func New(reg *registry.Registry, picker *placement.Picker, b *balancer.Balancer, logger *slog.Logger) *Migrator {
	return &Migrator{
		registry:  reg,
		picker:    picker,
		balancer:  b,
		logger:    logger.With("component", "migrator"),
		newClient: bbb.NewClient,
	}
}

// SetClientFunc overrides upstream client construction. Test hook.
func (m *Migrator) SetClientFunc(fn balancer.ClientFunc) {
	m.newClient = fn
}

// MoveMeeting ends a meeting on its current server and recreates it on dest.
// A nil dest asks placement for the least loaded server other than the
// current one. The old row keeps a moved_to pointer at the new one so rejoin
// can follow attendees over.
//
// The end call on the current server must succeed. An unreachable server
// aborts the move with an error; a refused end aborts it and hands the
// upstream response back for the caller to proxy. Either way the meeting
// stays untouched on its current server.
func (m *Migrator) MoveMeeting(ctx context.Context, meeting *registry.Meeting, dest *registry.Server) (*registry.Meeting, *bbb.Doc, error) {
	return m.move(ctx, meeting, dest, false)
}

// evacuate relocates a meeting off a panicking server. The server is
// presumed dead, so the end call is best effort only.
func (m *Migrator) evacuate(ctx context.Context, meeting *registry.Meeting) (*registry.Meeting, error) {
	moved, _, err := m.move(ctx, meeting, nil, true)
	return moved, err
}

func (m *Migrator) move(ctx context.Context, meeting *registry.Meeting, dest *registry.Server, bestEffortEnd bool) (*registry.Meeting, *bbb.Doc, error) {
	from, err := m.registry.GetServer(ctx, meeting.ServerID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve current server: %w", err)
	}

	if dest == nil {
		dest, err = m.picker.GetNextServer(ctx, from.ID)
		if errors.Is(err, placement.ErrNoServerAvailable) {
			return nil, nil, ErrSameServer
		}
		if err != nil {
			return nil, nil, err
		}
	}
	if dest.ID == from.ID {
		return nil, nil, ErrSameServer
	}

	endDoc, endErr := m.endUpstream(ctx, meeting, from)
	if bestEffortEnd {
		if endErr != nil {
			m.logger.Warn("could not end meeting on old server",
				"meeting_id", meeting.MeetingID, "server", from.ID, "error", endErr)
		}
	} else {
		if endErr != nil {
			return nil, nil, fmt.Errorf("end %q on server %d: %w", meeting.MeetingID, from.ID, endErr)
		}
		if endDoc.GetString("returncode") != "SUCCESS" {
			return nil, endDoc, nil
		}
	}

	if err := m.registry.SetMeetingEnded(ctx, meeting.ID); err != nil {
		return nil, nil, err
	}

	params := bbb.ParamsFromMap(meeting.CreateQuery)
	params.Set("meetingID", meeting.MeetingID)

	moved, doc, err := m.balancer.CreateMeeting(ctx, params, balancer.CreateOptions{
		Load:   meeting.Load,
		Target: dest.ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("recreate %q on server %d: %w", meeting.MeetingID, dest.ID, err)
	}
	if moved == nil {
		return nil, nil, fmt.Errorf("recreate %q on server %d: upstream returned %s",
			meeting.MeetingID, dest.ID, doc.GetString("messageKey"))
	}

	if err := m.registry.SetMeetingMovedTo(ctx, meeting.ID, moved.ID); err != nil {
		return nil, nil, err
	}

	m.logger.Info("meeting moved",
		"meeting_id", meeting.MeetingID, "from", from.ID, "to", dest.ID)
	return moved, nil, nil
}

// endUpstream asks the old server to end the meeting.
func (m *Migrator) endUpstream(ctx context.Context, meeting *registry.Meeting, from *registry.Server) (*bbb.Doc, error) {
	params := bbb.NewParams()
	params.Set("meetingID", meeting.MeetingID)
	if pw, ok := meeting.CreateQuery["moderatorPW"]; ok {
		params.Set("password", pw)
	}

	client := m.newClient(from.URL, from.Secret)
	return client.Do(ctx, "end", params)
}

// Panic marks a server PANIC and evacuates its running meetings. Only the
// caller that wins the state transition performs the evacuation; later calls
// return immediately, so the poller and the CLI cannot race each other into
// a double migration.
func (m *Migrator) Panic(ctx context.Context, serverID int64) error {
	owned, err := m.registry.BeginPanic(ctx, serverID)
	if err != nil {
		return err
	}
	if !owned {
		m.logger.Info("server already in panic", "server", serverID)
		return nil
	}

	meetings, err := m.registry.ListRunningMeetingsOnServer(ctx, serverID)
	if err != nil {
		return err
	}
	m.logger.Warn("evacuating server", "server", serverID, "meetings", len(meetings))

	var failed int
	for _, meeting := range meetings {
		if _, err := m.evacuate(ctx, meeting); err != nil {
			failed++
			m.logger.Error("failed to evacuate meeting",
				"meeting_id", meeting.MeetingID, "server", serverID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("evacuation of server %d: %d of %d meetings failed",
			serverID, failed, len(meetings))
	}
	return nil
}
