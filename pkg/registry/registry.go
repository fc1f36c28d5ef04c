package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Registry provides indexed lookups and single-row atomic updates over the
// server and meeting tables. It holds no state besides the connection pool.
type Registry struct {
	db *sql.DB
}

// New creates a Registry on top of an open connection pool.
func New(db *sql.DB) *Registry {
	if db == nil {
		panic("registry.New: db must not be nil")
	}
	return &Registry{db: db}
}

const serverColumns = "id, server_id, url, secret, state, reachable, unreachable"

func scanServer(row interface{ Scan(...any) error }) (*Server, error) {
	s := &Server{}
	err := row.Scan(&s.ID, &s.ServerID, &s.URL, &s.Secret, &s.State, &s.Reachable, &s.Unreachable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return s, nil
}

// GetServer looks a server up by its surrogate id.
func (r *Registry) GetServer(ctx context.Context, id int64) (*Server, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM bbb_servers WHERE id = $1", id)
	return scanServer(row)
}

// GetServerByServerID looks a server up by its operator-assigned id.
func (r *Registry) GetServerByServerID(ctx context.Context, serverID int) (*Server, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+serverColumns+" FROM bbb_servers WHERE server_id = $1", serverID)
	return scanServer(row)
}

// ListServers returns all servers ordered by operator id.
func (r *Registry) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+serverColumns+" FROM bbb_servers ORDER BY server_id")
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// CreateServer inserts a new server. Duplicate operator ids are rejected
// with ErrAlreadyExists.
func (r *Registry) CreateServer(ctx context.Context, serverID int, url, secret string) (*Server, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO bbb_servers (server_id, url, secret)
		VALUES ($1, $2, $3)
		ON CONFLICT (server_id) DO NOTHING
		RETURNING `+serverColumns,
		serverID, url, secret)

	s, err := scanServer(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAlreadyExists
	}
	return s, err
}

// UpdateServer overwrites url and/or secret; nil means keep the current
// value.
func (r *Registry) UpdateServer(ctx context.Context, id int64, url, secret *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bbb_servers
		SET url = COALESCE($2, url), secret = COALESCE($3, secret)
		WHERE id = $1`,
		id, url, secret)
	if err != nil {
		return fmt.Errorf("update server %d: %w", id, err)
	}
	return nil
}

// DeleteServer removes a server; its meetings go with it (FK cascade).
func (r *Registry) DeleteServer(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM bbb_servers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete server %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetServerState writes the state unconditionally.
func (r *Registry) SetServerState(ctx context.Context, id int64, state ServerState) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE bbb_servers SET state = $2 WHERE id = $1", id, state)
	if err != nil {
		return fmt.Errorf("set server %d state %s: %w", id, state, err)
	}
	return nil
}

// BeginPanic flips a server into PANIC unless it is already there. The
// returned flag tells the caller whether it owns the evacuation: migration
// is re-entrant and a second caller must not evacuate twice.
func (r *Registry) BeginPanic(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE bbb_servers SET state = $2 WHERE id = $1 AND state <> $2",
		id, StatePanic)
	if err != nil {
		return false, fmt.Errorf("begin panic for server %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkServerOnline applies the success side of the reachability hysteresis
// in a single read-modify-write and returns the updated row.
func (r *Registry) MarkServerOnline(ctx context.Context, id int64) (*Server, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE bbb_servers
		SET unreachable = 0, reachable = LEAST(reachable + 1, $2)
		WHERE id = $1
		RETURNING `+serverColumns,
		id, MaxReachable)
	return scanServer(row)
}

// MarkServerOffline applies the failure side of the reachability hysteresis
// in a single read-modify-write and returns the updated row.
func (r *Registry) MarkServerOffline(ctx context.Context, id int64) (*Server, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE bbb_servers
		SET reachable = 0, unreachable = LEAST(unreachable + 1, $2)
		WHERE id = $1
		RETURNING `+serverColumns,
		id, MaxUnreachable)
	return scanServer(row)
}

// CountServersByState tallies servers per lifecycle state.
func (r *Registry) CountServersByState(ctx context.Context) (*StateCounts, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'ENABLED'),
			COUNT(*) FILTER (WHERE state = 'DISABLED'),
			COUNT(*) FILTER (WHERE state = 'PANIC'),
			COUNT(*)
		FROM bbb_servers`)

	c := &StateCounts{}
	if err := row.Scan(&c.Enabled, &c.Disabled, &c.Panic, &c.Total); err != nil {
		return nil, fmt.Errorf("count servers: %w", err)
	}
	return c, nil
}

// ListServersWithLoad returns every enabled, reachable server with its
// summed load across running meetings (no meetings counts as 0). Servers in
// exclude are left out; this is how move and panic migration avoid the
// origin server.
func (r *Registry) ListServersWithLoad(ctx context.Context, exclude ...int64) ([]*ServerLoad, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.server_id, s.url, s.secret, s.state, s.reachable, s.unreachable,
		       COALESCE(SUM(m.load) FILTER (WHERE NOT m.ended), 0) AS load
		FROM bbb_servers s
		LEFT JOIN meetings m ON m.server_id = s.id
		WHERE s.state = $1 AND s.reachable > 0 AND s.id <> ALL($2::bigint[])
		GROUP BY s.id
		ORDER BY load`,
		StateEnabled, int64Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("list servers with load: %w", err)
	}
	defer rows.Close()

	var result []*ServerLoad
	for rows.Next() {
		sl := &ServerLoad{}
		err := rows.Scan(&sl.ID, &sl.ServerID, &sl.URL, &sl.Secret, &sl.State,
			&sl.Reachable, &sl.Unreachable, &sl.Load)
		if err != nil {
			return nil, fmt.Errorf("scan server load: %w", err)
		}
		result = append(result, sl)
	}
	return result, rows.Err()
}

// int64Array renders ids as a Postgres bigint array literal for <> ALL($n).
// pgx's database/sql driver passes []int64 through as untyped text, so the
// literal form keeps the query portable.
func int64Array(ids []int64) string {
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out + "}"
}

const meetingColumns = "id, meeting_id, internal_id, server_id, ended, load, create_query, created, moved_to"

func scanMeeting(row interface{ Scan(...any) error }) (*Meeting, error) {
	m := &Meeting{}
	var query []byte
	var movedTo sql.NullInt64
	err := row.Scan(&m.ID, &m.MeetingID, &m.InternalID, &m.ServerID, &m.Ended,
		&m.Load, &query, &m.Created, &movedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan meeting: %w", err)
	}
	if movedTo.Valid {
		m.MovedTo = &movedTo.Int64
	}
	if err := json.Unmarshal(query, &m.CreateQuery); err != nil {
		return nil, fmt.Errorf("decode create_query of meeting %d: %w", m.ID, err)
	}
	return m, nil
}

// GetRunningMeeting returns the single running meeting for a public id.
func (r *Registry) GetRunningMeeting(ctx context.Context, meetingID string) (*Meeting, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE meeting_id = $1 AND NOT ended",
		meetingID)
	return scanMeeting(row)
}

// GetMeetingByID looks a meeting up by its surrogate id.
func (r *Registry) GetMeetingByID(ctx context.Context, id int64) (*Meeting, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE id = $1", id)
	return scanMeeting(row)
}

// GetMeetingByInternalID looks a meeting up by BBB's own id.
func (r *Registry) GetMeetingByInternalID(ctx context.Context, internalID string) (*Meeting, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE internal_id = $1 ORDER BY id DESC LIMIT 1",
		internalID)
	return scanMeeting(row)
}

// ListMeetingsByMeetingID returns every meeting (running or ended) with the
// given public id, oldest first. Used to translate meeting ids into
// recording ids.
func (r *Registry) ListMeetingsByMeetingID(ctx context.Context, meetingID string) ([]*Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE meeting_id = $1 ORDER BY id",
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("list meetings %q: %w", meetingID, err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// ListRunningMeetingsOnServer returns all running meetings placed on a
// server.
func (r *Registry) ListRunningMeetingsOnServer(ctx context.Context, serverID int64) ([]*Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+meetingColumns+" FROM meetings WHERE server_id = $1 AND NOT ended ORDER BY id",
		serverID)
	if err != nil {
		return nil, fmt.Errorf("list running meetings on server %d: %w", serverID, err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

func collectMeetings(rows *sql.Rows) ([]*Meeting, error) {
	var meetings []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// CreateMeeting inserts a new running meeting row and fills in the surrogate
// id and creation time. If another running meeting with the same public id
// already exists (including a concurrent create racing this one), it returns
// ErrAlreadyExists and the caller falls back to GetRunningMeeting.
func (r *Registry) CreateMeeting(ctx context.Context, m *Meeting) error {
	query, err := json.Marshal(m.CreateQuery)
	if err != nil {
		return fmt.Errorf("encode create_query: %w", err)
	}
	if m.Load < 1 {
		m.Load = 1
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO meetings (meeting_id, internal_id, server_id, load, create_query)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meeting_id) WHERE NOT ended DO NOTHING
		RETURNING id, created`,
		m.MeetingID, m.InternalID, m.ServerID, m.Load, query)

	err = row.Scan(&m.ID, &m.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create meeting %q: %w", m.MeetingID, err)
	}
	return nil
}

// DeleteMeeting removes a meeting row. Only used to roll back a TEMP row
// whose upstream create failed.
func (r *Registry) DeleteMeeting(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM meetings WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete meeting %d: %w", id, err)
	}
	return nil
}

// SetMeetingEnded marks a meeting as no longer running.
func (r *Registry) SetMeetingEnded(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE meetings SET ended = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("end meeting %d: %w", id, err)
	}
	return nil
}

// SetMeetingInternalID promotes a TEMP meeting with the id BBB assigned.
func (r *Registry) SetMeetingInternalID(ctx context.Context, id int64, internalID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE meetings SET internal_id = $2 WHERE id = $1", id, internalID)
	if err != nil {
		return fmt.Errorf("set internal id of meeting %d: %w", id, err)
	}
	return nil
}

// SetMeetingMovedTo links a meeting to its successor after a move or a
// panic migration.
func (r *Registry) SetMeetingMovedTo(ctx context.Context, id, movedTo int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE meetings SET moved_to = $2 WHERE id = $1", id, movedTo)
	if err != nil {
		return fmt.Errorf("set moved_to of meeting %d: %w", id, err)
	}
	return nil
}

// ListPollableMeetings returns the meetings due for a liveness probe:
// running, confirmed by BBB, and past the TEMP grace period.
func (r *Registry) ListPollableMeetings(ctx context.Context) ([]*PollMeeting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.meeting_id, m.internal_id, m.server_id, m.ended, m.load,
		       m.create_query, m.created, m.moved_to, s.url, s.secret
		FROM meetings m
		JOIN bbb_servers s ON s.id = m.server_id
		WHERE NOT m.ended
		  AND m.internal_id <> $1
		  AND m.created <= now() - $2::interval
		ORDER BY m.id`,
		TempInternalID, fmt.Sprintf("%d seconds", int(TempGracePeriod.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list pollable meetings: %w", err)
	}
	defer rows.Close()

	var meetings []*PollMeeting
	for rows.Next() {
		pm := &PollMeeting{}
		var query []byte
		var movedTo sql.NullInt64
		err := rows.Scan(&pm.ID, &pm.MeetingID, &pm.InternalID, &pm.ServerID,
			&pm.Ended, &pm.Load, &query, &pm.Created, &movedTo,
			&pm.ServerURL, &pm.ServerSecret)
		if err != nil {
			return nil, fmt.Errorf("scan pollable meeting: %w", err)
		}
		if movedTo.Valid {
			pm.MovedTo = &movedTo.Int64
		}
		if err := json.Unmarshal(query, &pm.CreateQuery); err != nil {
			return nil, fmt.Errorf("decode create_query of meeting %d: %w", pm.ID, err)
		}
		meetings = append(meetings, pm)
	}
	return meetings, rows.Err()
}
