// Package store is the embedded projection of the authoritative task list.
// One table (TaskIdMap) mirrors the minimal task shape so the due decision
// is an index lookup; ConfigStore holds the signing key and refresh tokens.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("store: task not found")

// timeLayout is a fixed-width ISO-8601 round-trip format. Fixed width keeps
// the text columns lexicographically sortable, which the due query relies on.
const timeLayout = "2006-01-02T15:04:05.0000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

const (
	StateReserved = "reserved"
	StateLinked   = "linked"
)

// Task is one row of TaskIdMap.
type Task struct {
	TaskID        int64
	SpItemID      string // empty while reserved
	ListKey       string
	CustomerID    string
	PhaseName     string
	TaskName      string
	WorkflowID    string
	CorrelationID string

	CategoryKey     string
	AnchorDateType  string
	StartOffsetDays int
	Region          string

	TeamID        string
	ChannelID     string
	RootMessageID string
	LastMessageID string

	State  string
	Status string

	AckVersion           int
	AckExpiresUtc        *time.Time
	NextChaseAtUtcCached *time.Time
	LastChaseAtUtc       *time.Time
	CreatedUtc           time.Time
}

// Completed reports whether the cached status means done. The comparison is
// case-insensitive to match the system of record's habits.
func (t *Task) Completed() bool {
	return strings.EqualFold(t.Status, "Completed")
}

// Dims carries the dimensional keys supplied on reservation.
type Dims struct {
	ListKey         string
	CustomerID      string
	PhaseName       string
	TaskName        string
	WorkflowID      string
	CorrelationID   string // generated when empty
	CategoryKey     string
	AnchorDateType  string
	StartOffsetDays int
	Region          string
	TeamID          string
	ChannelID       string
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema and backfills the chaser cache columns on
// databases that predate them. Runs once at boot.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS TaskIdMap (
		TaskId INTEGER PRIMARY KEY AUTOINCREMENT,
		SpItemId TEXT,
		ListKey TEXT NOT NULL DEFAULT '',
		CustomerId TEXT NOT NULL DEFAULT '',
		PhaseName TEXT NOT NULL DEFAULT '',
		TaskName TEXT NOT NULL DEFAULT '',
		WorkflowId TEXT NOT NULL DEFAULT '',
		CorrelationId TEXT NOT NULL DEFAULT '',
		CategoryKey TEXT NOT NULL DEFAULT '',
		AnchorDateType TEXT NOT NULL DEFAULT '',
		StartOffsetDays INTEGER NOT NULL DEFAULT 0,
		Region TEXT NOT NULL DEFAULT '',
		TeamId TEXT NOT NULL DEFAULT '',
		ChannelId TEXT NOT NULL DEFAULT '',
		RootMessageId TEXT NOT NULL DEFAULT '',
		LastMessageId TEXT NOT NULL DEFAULT '',
		State TEXT NOT NULL DEFAULT 'reserved',
		Status TEXT,
		CreatedUtc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ConfigStore (
		Name TEXT PRIMARY KEY,
		Value TEXT NOT NULL,
		UpdatedUtc TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Chaser cache columns arrived after the table; add them when absent.
	chaserCols := map[string]string{
		"AckVersion":           "INTEGER NOT NULL DEFAULT 1",
		"AckExpiresUtc":        "TEXT",
		"NextChaseAtUtcCached": "TEXT",
		"LastChaseAtUtc":       "TEXT",
	}
	existing, err := s.columns(ctx, "TaskIdMap")
	if err != nil {
		return err
	}
	for col, decl := range chaserCols {
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE TaskIdMap ADD COLUMN %s %s", col, decl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}

	indexes := `
	CREATE UNIQUE INDEX IF NOT EXISTS ux_taskidmap_spitemid ON TaskIdMap(SpItemId) WHERE SpItemId IS NOT NULL;
	CREATE INDEX IF NOT EXISTS ix_taskidmap_correlation ON TaskIdMap(CorrelationId);
	CREATE INDEX IF NOT EXISTS ix_taskidmap_dims ON TaskIdMap(CustomerId, PhaseName, TaskName, WorkflowId);
	CREATE INDEX IF NOT EXISTS ix_taskidmap_channel ON TaskIdMap(TeamId, ChannelId);
	CREATE INDEX IF NOT EXISTS ix_taskidmap_nextchase ON TaskIdMap(NextChaseAtUtcCached);
	CREATE INDEX IF NOT EXISTS ix_taskidmap_ackexpires ON TaskIdMap(AckExpiresUtc);
	`
	if _, err := s.db.ExecContext(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (s *Store) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &primaryKey); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Reserve creates a new row in state reserved and returns its TaskId. A
// missing correlation id is generated.
func (s *Store) Reserve(ctx context.Context, d Dims) (int64, error) {
	if d.CorrelationID == "" {
		d.CorrelationID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO TaskIdMap (
			ListKey, CustomerId, PhaseName, TaskName, WorkflowId, CorrelationId,
			CategoryKey, AnchorDateType, StartOffsetDays, Region,
			TeamId, ChannelId, State, AckVersion, CreatedUtc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, d.ListKey, d.CustomerID, d.PhaseName, d.TaskName, d.WorkflowID, d.CorrelationID,
		d.CategoryKey, d.AnchorDateType, d.StartOffsetDays, d.Region,
		d.TeamID, d.ChannelID, StateReserved, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("reserve task: %w", err)
	}
	return res.LastInsertId()
}

// Link attaches the system-of-record item id and moves the row to linked.
func (s *Store) Link(ctx context.Context, taskID int64, spItemID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE TaskIdMap SET SpItemId = ?, State = ? WHERE TaskId = ? AND State = ?
	`, spItemID, StateLinked, taskID, StateReserved)
	if err != nil {
		return fmt.Errorf("link task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("link task %d: no reserved row: %w", taskID, ErrNotFound)
	}
	return nil
}

const taskColumns = `
	TaskId, COALESCE(SpItemId, ''), ListKey, CustomerId, PhaseName, TaskName,
	WorkflowId, CorrelationId, CategoryKey, AnchorDateType, StartOffsetDays,
	Region, TeamId, ChannelId, RootMessageId, LastMessageId, State,
	COALESCE(Status, ''), AckVersion, AckExpiresUtc, NextChaseAtUtcCached,
	LastChaseAtUtc, CreatedUtc`

func scanTask(scan func(...any) error) (*Task, error) {
	var (
		t                   Task
		expires, next, last sql.NullString
		created             string
	)
	err := scan(
		&t.TaskID, &t.SpItemID, &t.ListKey, &t.CustomerID, &t.PhaseName, &t.TaskName,
		&t.WorkflowID, &t.CorrelationID, &t.CategoryKey, &t.AnchorDateType, &t.StartOffsetDays,
		&t.Region, &t.TeamID, &t.ChannelID, &t.RootMessageID, &t.LastMessageID, &t.State,
		&t.Status, &t.AckVersion, &expires, &next, &last, &created,
	)
	if err != nil {
		return nil, err
	}

	assign := func(ns sql.NullString, dst **time.Time) error {
		if !ns.Valid || ns.String == "" {
			return nil
		}
		ts, err := parseTime(ns.String)
		if err != nil {
			return err
		}
		*dst = &ts
		return nil
	}
	if err := assign(expires, &t.AckExpiresUtc); err != nil {
		return nil, fmt.Errorf("parse AckExpiresUtc: %w", err)
	}
	if err := assign(next, &t.NextChaseAtUtcCached); err != nil {
		return nil, fmt.Errorf("parse NextChaseAtUtcCached: %w", err)
	}
	if err := assign(last, &t.LastChaseAtUtc); err != nil {
		return nil, fmt.Errorf("parse LastChaseAtUtc: %w", err)
	}
	ts, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse CreatedUtc: %w", err)
	}
	t.CreatedUtc = ts
	return &t, nil
}

// GetTask loads one row by TaskId.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+taskColumns+" FROM TaskIdMap WHERE TaskId = ?", taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return t, nil
}

// FindBySpItemID loads the linked row for a system-of-record item id.
func (s *Store) FindBySpItemID(ctx context.Context, spItemID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+taskColumns+" FROM TaskIdMap WHERE SpItemId = ?", spItemID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by item %s: %w", spItemID, err)
	}
	return t, nil
}

// DueCandidates returns rows whose cached next-chase instant has passed and
// that are not known complete, oldest first.
func (s *Store) DueCandidates(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+taskColumns+`
		FROM TaskIdMap
		WHERE NextChaseAtUtcCached IS NOT NULL
		  AND NextChaseAtUtcCached <= ?
		  AND (Status IS NULL OR LOWER(Status) <> 'completed')
		ORDER BY NextChaseAtUtcCached ASC
		LIMIT ?
	`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due candidates: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GroupTask is one member of a sequential-gate group.
type GroupTask struct {
	TaskID          int64
	TaskName        string
	Status          string
	StartOffsetDays int
}

func (g *GroupTask) Completed() bool {
	return strings.EqualFold(g.Status, "Completed")
}

// GroupStatus returns the linked rows of one (customer, category, anchor,
// offset) group, ordered by task name.
func (s *Store) GroupStatus(ctx context.Context, customerID, categoryKey, anchor string, offsetDays int) ([]GroupTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TaskId, TaskName, COALESCE(Status, ''), StartOffsetDays
		FROM TaskIdMap
		WHERE State = ? AND CustomerId = ? AND CategoryKey = ? AND AnchorDateType = ? AND StartOffsetDays = ?
		ORDER BY TaskName
	`, StateLinked, customerID, categoryKey, anchor, offsetDays)
	if err != nil {
		return nil, fmt.Errorf("group status: %w", err)
	}
	defer rows.Close()

	var out []GroupTask
	for rows.Next() {
		var g GroupTask
		if err := rows.Scan(&g.TaskID, &g.TaskName, &g.Status, &g.StartOffsetDays); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MirrorStatus caches the status string observed at the system of record.
func (s *Store) MirrorStatus(ctx context.Context, taskID int64, status string) error {
	return s.updateOne(ctx, taskID, "UPDATE TaskIdMap SET Status = ? WHERE TaskId = ?", status, taskID)
}

// MirrorNextChase caches a rescheduled next-chase instant on its own, used
// by the out-of-window path where nothing else changes.
func (s *Store) MirrorNextChase(ctx context.Context, taskID int64, next time.Time) error {
	return s.updateOne(ctx, taskID, "UPDATE TaskIdMap SET NextChaseAtUtcCached = ? WHERE TaskId = ?", fmtTime(next), taskID)
}

// MirrorGone retires a row whose source item no longer exists: the cached
// schedule is cleared so the row stops surfacing as a candidate.
func (s *Store) MirrorGone(ctx context.Context, taskID int64) error {
	return s.updateOne(ctx, taskID, "UPDATE TaskIdMap SET NextChaseAtUtcCached = NULL WHERE TaskId = ?", taskID)
}

// MirrorChase records a completed chaser post: the rotated version, the new
// link expiry, the send instant, and the next schedule, in one row update.
func (s *Store) MirrorChase(ctx context.Context, taskID int64, version int, expires, last, next time.Time) error {
	return s.updateOne(ctx, taskID, `
		UPDATE TaskIdMap
		SET AckVersion = ?, AckExpiresUtc = ?, LastChaseAtUtc = ?, NextChaseAtUtcCached = ?
		WHERE TaskId = ?
	`, version, fmtTime(expires), fmtTime(last), fmtTime(next), taskID)
}

// MirrorThread refreshes the chat coordinates and the gating attributes
// that a reconciliation pass may have moved.
func (s *Store) MirrorThread(ctx context.Context, taskID int64, rootMessageID, lastMessageID, categoryKey string, offsetDays int) error {
	return s.updateOne(ctx, taskID, `
		UPDATE TaskIdMap
		SET RootMessageId = ?, LastMessageId = ?, CategoryKey = ?, StartOffsetDays = ?
		WHERE TaskId = ?
	`, rootMessageID, lastMessageID, categoryKey, offsetDays, taskID)
}

func (s *Store) updateOne(ctx context.Context, taskID int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update task %d: %w", taskID, ErrNotFound)
	}
	return nil
}

// Checkpoint flushes the write-ahead log. mode must be one of PASSIVE,
// FULL, RESTART, TRUNCATE.
func (s *Store) Checkpoint(ctx context.Context, mode string) error {
	mode = strings.ToUpper(strings.TrimSpace(mode))
	switch mode {
	case "PASSIVE", "FULL", "RESTART", "TRUNCATE":
	default:
		return fmt.Errorf("checkpoint: invalid mode %q", mode)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("wal_checkpoint(%s): %w", mode, err)
	}
	return nil
}
