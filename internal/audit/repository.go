package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command outcomes.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultTimeout     = "timeout"
	ResultRateLimited = "rate_limited"
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Entry is one relayed command.
type Entry struct {
	ID         string        `json:"id"`
	VehicleID  string        `json:"vehicle_id"`
	Command    string        `json:"command"`
	Parameters string        `json:"parameters,omitempty"`
	CommandID  string        `json:"command_id,omitempty"`
	Result     string        `json:"result"`
	Error      string        `json:"error,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	Response   any           `json:"response,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Filter controls which entries to return.
type Filter struct {
	VehicleID string // optional
	Result    string // optional: success, error, timeout, rate_limited
	Command   string // optional: exact command text
	Limit     int    // default 50, max 200
	Offset    int    // pagination offset
}

// ListResult contains a page of entries, most recent first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores the command history.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository keeps the history in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new command history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Create inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.Duration > 0 {
		e.DurationMS = e.Duration.Milliseconds()
	}

	var response *string
	if e.Response != nil {
		b, err := json.Marshal(e.Response)
		if err != nil {
			return fmt.Errorf("marshalling command response: %w", err)
		}
		s := string(b)
		response = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, vehicle_id, command, parameters, command_id, result, error, subject, response, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.VehicleID, e.Command, e.Parameters, e.CommandID, e.Result,
		nullableString(e.Error), nullableString(e.Subject), response,
		e.DurationMS, e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command log entry: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so the column stays NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.VehicleID != "" {
		conditions = append(conditions, "vehicle_id = ?")
		args = append(args, filter.VehicleID)
	}
	if filter.Result != "" {
		conditions = append(conditions, "result = ?")
		args = append(args, filter.Result)
	}
	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filter.Command)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM command_log " + where //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command log: %w", err)
	}

	query := "SELECT id, vehicle_id, command, parameters, command_id, result, error, subject, response, duration_ms, created_at " +
		"FROM command_log " + where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?" //nolint:gosec // as above
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var errText, subject, response sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.VehicleID, &e.Command, &e.Parameters, &e.CommandID,
			&e.Result, &errText, &subject, &response, &e.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command log entry: %w", err)
		}
		e.Error = errText.String
		e.Subject = subject.String
		e.Duration = time.Duration(e.DurationMS) * time.Millisecond
		if response.Valid && response.String != "" {
			var v any
			if json.Unmarshal([]byte(response.String), &v) == nil {
				e.Response = v
			}
		}

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command log timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes entries created before the cutoff and returns how many
// were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE created_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	return n, nil
}

// RunRetention deletes entries older than keep once at start and then on
// every tick until ctx is cancelled.
func RunRetention(ctx context.Context, repo Repository, keep, every time.Duration, logf func(msg string, args ...any)) {
	if keep <= 0 || every <= 0 {
		return
	}
	prune := func() {
		n, err := repo.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			logf("command log prune failed", "error", err)
			return
		}
		if n > 0 {
			logf("command log pruned", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
