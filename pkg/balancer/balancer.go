// Package balancer orchestrates meeting creation across the fleet. The same
// flow backs the create endpoint, the move operation and panic migration.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/placement"
	"github.com/conferencetools/bbb-loadbalancer/pkg/rcp"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
)

// ClientFunc builds the API client for one server. Tests swap it for a
// client pointed at a local httptest server.
type ClientFunc func(url, secret string) *bbb.Client

// Balancer places new meetings and replays create calls upstream.
type Balancer struct {
	registry  *registry.Registry
	picker    *placement.Picker
	hostname  string
	secret    string
	logger    *slog.Logger
	newClient ClientFunc
}

func New(reg *registry.Registry, picker *placement.Picker, hostname, secret string, logger *slog.Logger) *Balancer {
	return &Balancer{
		registry:  reg,
		picker:    picker,
		hostname:  hostname,
		secret:    secret,
		logger:    logger.With("component", "balancer"),
		newClient: bbb.NewClient,
	}
}

// SetClientFunc overrides upstream client construction. Test hook.
func (b *Balancer) SetClientFunc(fn ClientFunc) {
	b.newClient = fn
}

// CreateOptions tune a single create call.
type CreateOptions struct {
	// Load is the placement weight of the meeting, 1 if zero.
	Load int
	// Exclude lists servers that must not host the meeting.
	Exclude []int64
	// Target forces the meeting onto a specific server instead of asking
	// placement. Move and panic migration resolve their destination first
	// and pass it here.
	Target int64
	// Body is an optional pre-upload presentation document forwarded with
	// the create call as a POST body.
	Body *bbb.Params
}

// CreateMeeting places a meeting and issues the upstream create call.
//
// If a running meeting with the same public id already exists, the call is
// replayed against that meeting's server: BBB treats create as idempotent
// per meeting, so a second attendee racing the first gets the same room.
// Otherwise the least loaded server wins the meeting and a placeholder row
// pins the public id until BBB confirms the create.
func (b *Balancer) CreateMeeting(ctx context.Context, params *bbb.Params, opts CreateOptions) (*registry.Meeting, *bbb.Doc, error) {
	meetingID, _ := params.Get("meetingID")
	if meetingID == "" {
		return nil, nil, errors.New("create without meetingID")
	}

	meeting, created, err := b.claimMeeting(ctx, meetingID, params, opts)
	if err != nil {
		return nil, nil, err
	}

	server, err := b.registry.GetServer(ctx, meeting.ServerID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve server of meeting %q: %w", meetingID, err)
	}

	// Joins must come back through the gateway even after the meeting has
	// been migrated, so the logout URL upstream sees points at our rejoin
	// endpoint instead of the operator's page. rejoin restores the
	// original URL from the stored create query.
	upstream := params.Clone()
	upstream.Set("logoutURL", b.RejoinURL(meeting.ID))

	client := b.newClient(server.URL, server.Secret)
	var doc *bbb.Doc
	if opts.Body != nil && opts.Body.Len() > 0 {
		doc, err = client.DoPost(ctx, "create", upstream, opts.Body)
	} else {
		doc, err = client.Do(ctx, "create", upstream)
	}
	if err != nil {
		if created {
			b.rollback(ctx, meeting)
		}
		return nil, nil, fmt.Errorf("create %q on %s: %w", meetingID, client.Host(), err)
	}

	if doc.GetString("returncode") != "SUCCESS" {
		if created {
			b.rollback(ctx, meeting)
		}
		return nil, doc, nil
	}

	internalID := doc.GetString("internalMeetingID")
	if created && internalID != "" {
		if err := b.registry.SetMeetingInternalID(ctx, meeting.ID, internalID); err != nil {
			return nil, nil, err
		}
		meeting.InternalID = internalID
	}

	b.logger.Info("meeting created",
		"meeting_id", meetingID, "server", client.Host(), "placed", created)
	return meeting, doc, nil
}

// claimMeeting binds the public meeting id to a server. Returns the meeting
// row and whether this call inserted it.
func (b *Balancer) claimMeeting(ctx context.Context, meetingID string, params *bbb.Params, opts CreateOptions) (*registry.Meeting, bool, error) {
	if running, err := b.registry.GetRunningMeeting(ctx, meetingID); err == nil {
		return running, false, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, false, err
	}

	var server *registry.Server
	var err error
	if opts.Target != 0 {
		server, err = b.registry.GetServer(ctx, opts.Target)
	} else {
		server, err = b.picker.GetNextServer(ctx, opts.Exclude...)
	}
	if err != nil {
		return nil, false, err
	}

	meeting := &registry.Meeting{
		MeetingID:   meetingID,
		InternalID:  registry.TempInternalID,
		ServerID:    server.ID,
		Load:        opts.Load,
		CreateQuery: params.Map(),
	}
	err = b.registry.CreateMeeting(ctx, meeting)
	if errors.Is(err, registry.ErrAlreadyExists) {
		// Lost the race against a concurrent create. Use the winner.
		running, err := b.registry.GetRunningMeeting(ctx, meetingID)
		if err != nil {
			return nil, false, fmt.Errorf("re-read racing meeting %q: %w", meetingID, err)
		}
		return running, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return meeting, true, nil
}

func (b *Balancer) rollback(ctx context.Context, meeting *registry.Meeting) {
	if err := b.registry.DeleteMeeting(ctx, meeting.ID); err != nil {
		b.logger.Error("failed to roll back placeholder meeting",
			"meeting_id", meeting.MeetingID, "id", meeting.ID, "error", err)
	}
}

// RejoinURL builds the signed gateway URL that brings an attendee back into
// a meeting by its registry id, wherever it lives now.
func (b *Balancer) RejoinURL(meetingRowID int64) string {
	id := strconv.FormatInt(meetingRowID, 10)
	sum := rcp.Sign(map[string]any{"meetingID": id}, b.secret, rcp.SaltRejoin)
	return fmt.Sprintf("https://%s/bigbluebutton/api/rejoin?meetingID=%s&checksum=%s",
		b.hostname, id, sum)
}
