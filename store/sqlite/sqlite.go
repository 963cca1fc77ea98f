// Package sqlite implements core.DurableStore on pure-Go SQLite.
// All orchestrator tables (workflows, events, snapshots, checkpoints,
// approval_requests) live in one database file; a single shared connection
// serializes writers, eliminating SQLITE_BUSY errors from concurrent
// connections. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/atriumhq/conductor/core"
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l core.Logger) StoreOption {
	return func(s *Store) { s.logger = core.ComponentLogger(l, "store/sqlite") }
}

// Store implements core.DurableStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger core.Logger
}

var _ core.DurableStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. Use ":memory:"
// for tests.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			template_id TEXT,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			participants TEXT,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			payload TEXT,
			actor TEXT,
			timestamp INTEGER NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (workflow_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			parent_id TEXT,
			state TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT,
			agent_name TEXT,
			task_descriptor TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			risk_factors TEXT,
			status TEXT NOT NULL,
			required_role TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			resolver_id TEXT,
			resolver_role TEXT,
			justification TEXT,
			external_ref TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on sweeper and lookup paths.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_workflows_thread ON workflows(thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON checkpoints(workflow_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_approvals_sweep ON approval_requests(status, expires_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_approvals_workflow ON approval_requests(workflow_id, status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_approvals_ref ON approval_requests(external_ref)`)

	s.logger.Info("sqlite: init completed", map[string]interface{}{
		"duration": time.Since(start).String(),
	})
	return nil
}

// DB returns the underlying handle. Tests use it to tamper with rows when
// exercising chain verification.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// -----------------------------------------------------------------------------
// EventStore
// -----------------------------------------------------------------------------

// AppendEvent inserts the event and writes the workflow row through in one
// transaction. See core.EventStore for the conflict contract.
func (s *Store) AppendEvent(ctx context.Context, e *core.Event, wf *core.Workflow) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, workflow_id, seq, action, payload, actor, timestamp, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.Seq, e.Action, string(e.Payload), e.Actor,
		e.Timestamp.UnixNano(), e.PrevHash, e.Hash,
	)
	if err != nil {
		if isConstraintErr(err) {
			// Idempotent retry: same (workflow_id, seq, event_id) already
			// persisted counts as success. The lookup must run on the open
			// transaction: the pool holds a single connection and the
			// transaction owns it.
			var existingID string
			lookupErr := tx.QueryRowContext(ctx,
				`SELECT event_id FROM events WHERE workflow_id = ? AND seq = ?`,
				e.WorkflowID, e.Seq,
			).Scan(&existingID)
			if lookupErr == nil && existingID == e.ID {
				return nil
			}
			return core.NewError("sqlite.AppendEvent", "event", core.ErrSeqConflict)
		}
		return fmt.Errorf("insert event: %w", err)
	}

	if err := s.writeWorkflowTx(ctx, tx, wf); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: event appended", map[string]interface{}{
		"workflow_id": e.WorkflowID,
		"seq":         e.Seq,
		"action":      e.Action,
		"duration":    time.Since(start).String(),
	})
	return nil
}

// writeWorkflowTx upserts the workflow row with optimistic versioning.
func (s *Store) writeWorkflowTx(ctx context.Context, tx *sql.Tx, wf *core.Workflow) error {
	participants, _ := json.Marshal(wf.Participants)
	var completedAt *int64
	if wf.CompletedAt != nil {
		v := wf.CompletedAt.UnixNano()
		completedAt = &v
	}

	if wf.Version == 1 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id, template_id, thread_id, status, current_step, participants, started_at, updated_at, completed_at, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			wf.ID, wf.TemplateID, wf.ThreadID, string(wf.Status), wf.CurrentStep,
			string(participants), wf.StartedAt.UnixNano(), wf.UpdatedAt.UnixNano(), completedAt, wf.Version,
		)
		if err != nil {
			if isConstraintErr(err) {
				return core.NewError("sqlite.writeWorkflow", "workflow", core.ErrVersionConflict)
			}
			return fmt.Errorf("insert workflow: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET status=?, current_step=?, participants=?, updated_at=?, completed_at=?, version=?
		 WHERE id=? AND version=?`,
		string(wf.Status), wf.CurrentStep, string(participants),
		wf.UpdatedAt.UnixNano(), completedAt, wf.Version, wf.ID, wf.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.NewError("sqlite.writeWorkflow", "workflow", core.ErrVersionConflict)
	}
	return nil
}

// LastEvent returns the highest-seq event, or nil when none exist.
func (s *Store) LastEvent(ctx context.Context, workflowID string) (*core.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, workflow_id, seq, action, payload, actor, timestamp, prev_hash, hash
		 FROM events WHERE workflow_id = ? ORDER BY seq DESC LIMIT 1`, workflowID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last event: %w", err)
	}
	return e, nil
}

// ListEvents returns events in seq order within [fromSeq, toSeq].
func (s *Store) ListEvents(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]core.Event, error) {
	query := `SELECT event_id, workflow_id, seq, action, payload, actor, timestamp, prev_hash, hash
		 FROM events WHERE workflow_id = ? AND seq >= ?`
	args := []any{workflowID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsPage returns a filtered page of events in seq order.
func (s *Store) ListEventsPage(ctx context.Context, workflowID string, filter core.EventFilter) ([]core.Event, error) {
	query := `SELECT event_id, workflow_id, seq, action, payload, actor, timestamp, prev_hash, hash
		 FROM events WHERE workflow_id = ?`
	args := []any{workflowID}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events page: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// -----------------------------------------------------------------------------
// SnapshotStore
// -----------------------------------------------------------------------------

func (s *Store) InsertSnapshot(ctx context.Context, snap *core.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (workflow_id, seq, state, created_at) VALUES (?, ?, ?, ?)`,
		snap.WorkflowID, snap.Seq, string(snap.State), snap.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*core.Snapshot, error) {
	query := `SELECT workflow_id, seq, state, created_at FROM snapshots WHERE workflow_id = ?`
	args := []any{workflowID}
	if maxSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	var snap core.Snapshot
	var state string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snap.WorkflowID, &snap.Seq, &state, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return &snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, workflowID string) ([]core.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, seq, state, created_at FROM snapshots WHERE workflow_id = ? ORDER BY seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []core.Snapshot
	for rows.Next() {
		var snap core.Snapshot
		var state string
		var createdAt int64
		if err := rows.Scan(&snap.WorkflowID, &snap.Seq, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.State = json.RawMessage(state)
		snap.CreatedAt = time.Unix(0, createdAt).UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// -----------------------------------------------------------------------------
// WorkflowStore
// -----------------------------------------------------------------------------

func (s *Store) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, thread_id, status, current_step, participants, started_at, updated_at, completed_at, version
		 FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("sqlite.GetWorkflow", "workflow", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) GetWorkflowByThread(ctx context.Context, threadID string) (*core.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, thread_id, status, current_step, participants, started_at, updated_at, completed_at, version
		 FROM workflows WHERE thread_id = ? ORDER BY started_at DESC LIMIT 1`, threadID)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("sqlite.GetWorkflowByThread", "workflow", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow by thread: %w", err)
	}
	return wf, nil
}

func (s *Store) MarkWorkflowPoisoned(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ?, version = version + 1 WHERE id = ?`,
		string(core.WorkflowPoisoned), time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark workflow poisoned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark workflow poisoned: %w", err)
	}
	if n == 0 {
		return core.NewError("sqlite.MarkWorkflowPoisoned", "workflow", core.ErrNotFound)
	}
	return nil
}

func (s *Store) ListWorkflows(ctx context.Context, status core.WorkflowStatus, limit int) ([]core.Workflow, error) {
	query := `SELECT id, template_id, thread_id, status, current_step, participants, started_at, updated_at, completed_at, version
		 FROM workflows`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var wfs []core.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wfs = append(wfs, *wf)
	}
	return wfs, rows.Err()
}

// -----------------------------------------------------------------------------
// CheckpointStore
// -----------------------------------------------------------------------------

func (s *Store) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	var meta *string
	if len(cp.Metadata) > 0 {
		data, _ := json.Marshal(cp.Metadata)
		v := string(data)
		meta = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (id, workflow_id, parent_id, state, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.WorkflowID, cp.ParentID, string(cp.State), meta, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*core.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, parent_id, state, metadata, created_at FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("sqlite.GetCheckpoint", "checkpoint", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (*core.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, parent_id, state, metadata, created_at
		 FROM checkpoints WHERE workflow_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, workflowID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("sqlite.LatestCheckpoint", "checkpoint", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, workflowID string) ([]core.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, parent_id, state, metadata, created_at
		 FROM checkpoints WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []core.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

// -----------------------------------------------------------------------------
// ApprovalStore
// -----------------------------------------------------------------------------

func (s *Store) InsertApproval(ctx context.Context, r *core.ApprovalRequest) error {
	factors, _ := json.Marshal(r.RiskFactors)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, workflow_id, thread_id, checkpoint_id, agent_name, task_descriptor,
			risk_level, risk_factors, status, required_role, created_at, expires_at,
			resolver_id, resolver_role, justification, external_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.ThreadID, r.CheckpointID, r.AgentName, r.TaskDescriptor,
		string(r.RiskLevel), string(factors), string(r.Status), r.RequiredRole,
		r.CreatedAt.UnixNano(), r.ExpiresAt.UnixNano(),
		r.ResolverID, r.ResolverRole, r.Justification, r.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = ?`, id)
	r, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("sqlite.GetApproval", "approval", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return r, nil
}

func (s *Store) GetApprovalByExternalRef(ctx context.Context, ref string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE external_ref = ? ORDER BY created_at DESC LIMIT 1`, ref)
	r, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("sqlite.GetApprovalByExternalRef", "approval", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval by ref: %w", err)
	}
	return r, nil
}

// ResolveApproval transitions a pending request to a terminal status.
// The WHERE status='pending' guard makes concurrent resolutions lose with
// ErrVersionConflict instead of silently overwriting.
func (s *Store) ResolveApproval(ctx context.Context, r *core.ApprovalRequest) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status=?, resolver_id=?, resolver_role=?, justification=?, external_ref=?
		 WHERE id=? AND status='pending'`,
		string(r.Status), r.ResolverID, r.ResolverRole, r.Justification, r.ExternalRef, r.ID,
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		lookupErr := s.db.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = ?`, r.ID).Scan(&status)
		if lookupErr == sql.ErrNoRows {
			return core.NewError("sqlite.ResolveApproval", "approval", core.ErrNotFound)
		}
		return core.NewError("sqlite.ResolveApproval", "approval", core.ErrVersionConflict)
	}
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, filter core.ApprovalFilter) ([]core.ApprovalRequest, error) {
	query := approvalSelect
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]core.ApprovalRequest, error) {
	query := approvalSelect + ` WHERE status = 'pending' AND expires_at < ? ORDER BY expires_at`
	args := []any{now.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (s *Store) PendingForWorkflow(ctx context.Context, workflowID string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		approvalSelect+` WHERE workflow_id = ? AND status = 'pending' ORDER BY created_at DESC LIMIT 1`, workflowID)
	r, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending for workflow: %w", err)
	}
	return r, nil
}

// -----------------------------------------------------------------------------
// Row scanning
// -----------------------------------------------------------------------------

const approvalSelect = `SELECT id, workflow_id, thread_id, checkpoint_id, agent_name, task_descriptor,
	risk_level, risk_factors, status, required_role, created_at, expires_at,
	resolver_id, resolver_role, justification, external_ref FROM approval_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*core.Event, error) {
	var e core.Event
	var payload sql.NullString
	var actor sql.NullString
	var ts int64
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.Seq, &e.Action, &payload, &actor, &ts, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if actor.Valid {
		e.Actor = actor.String
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]core.Event, error) {
	var events []core.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanWorkflow(row rowScanner) (*core.Workflow, error) {
	var wf core.Workflow
	var templateID, currentStep, participants sql.NullString
	var startedAt, updatedAt int64
	var completedAt sql.NullInt64
	var status string
	if err := row.Scan(&wf.ID, &templateID, &wf.ThreadID, &status, &currentStep,
		&participants, &startedAt, &updatedAt, &completedAt, &wf.Version); err != nil {
		return nil, err
	}
	wf.Status = core.WorkflowStatus(status)
	if templateID.Valid {
		wf.TemplateID = templateID.String
	}
	if currentStep.Valid {
		wf.CurrentStep = currentStep.String
	}
	if participants.Valid {
		_ = json.Unmarshal([]byte(participants.String), &wf.Participants)
	}
	wf.StartedAt = time.Unix(0, startedAt).UTC()
	wf.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		wf.CompletedAt = &t
	}
	return &wf, nil
}

func scanCheckpoint(row rowScanner) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	var parentID, meta sql.NullString
	var state string
	var createdAt int64
	if err := row.Scan(&cp.ID, &cp.WorkflowID, &parentID, &state, &meta, &createdAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		cp.ParentID = parentID.String
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &cp.Metadata)
	}
	cp.State = json.RawMessage(state)
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return &cp, nil
}

func scanApproval(row rowScanner) (*core.ApprovalRequest, error) {
	var r core.ApprovalRequest
	var checkpointID, agentName, factors, resolverID, resolverRole, justification, externalRef sql.NullString
	var level, status string
	var createdAt, expiresAt int64
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.ThreadID, &checkpointID, &agentName, &r.TaskDescriptor,
		&level, &factors, &status, &r.RequiredRole, &createdAt, &expiresAt,
		&resolverID, &resolverRole, &justification, &externalRef); err != nil {
		return nil, err
	}
	r.RiskLevel = core.RiskLevel(level)
	r.Status = core.ApprovalStatus(status)
	if checkpointID.Valid {
		r.CheckpointID = checkpointID.String
	}
	if agentName.Valid {
		r.AgentName = agentName.String
	}
	if factors.Valid {
		_ = json.Unmarshal([]byte(factors.String), &r.RiskFactors)
	}
	if resolverID.Valid {
		r.ResolverID = resolverID.String
	}
	if resolverRole.Valid {
		r.ResolverRole = resolverRole.String
	}
	if justification.Valid {
		r.Justification = justification.String
	}
	if externalRef.Valid {
		r.ExternalRef = externalRef.String
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &r, nil
}

func collectApprovals(rows *sql.Rows) ([]core.ApprovalRequest, error) {
	var reqs []core.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		reqs = append(reqs, *r)
	}
	return reqs, rows.Err()
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
