package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smolitux/smolit/internal/bus"
)

// TimelineService journals dispatcher turns to SQLite.
type TimelineService struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTimelineService(dbPath string, logger *slog.Logger) (*TimelineService, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimelineService{db: db, logger: logger}, nil
}

// DB returns the underlying *sql.DB.
func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

func (s *TimelineService) AddTurn(ctx context.Context, rec *TurnRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	query := `
	INSERT INTO turns (turn_id, session_key, channel, timestamp, input, expert, route_reason, response, is_error, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.TurnID,
		rec.SessionKey,
		rec.Channel,
		rec.Timestamp.UTC(),
		rec.Input,
		rec.Expert,
		rec.RouteReason,
		rec.Response,
		rec.IsError,
		rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert turn %s: %w", rec.TurnID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ObserveTurn journals a dispatcher turn. Failures are logged, never returned.
func (s *TimelineService) ObserveTurn(ctx context.Context, ev bus.TurnEvent) {
	rec := &TurnRecord{
		TurnID:      ev.ID,
		SessionKey:  ev.SessionKey,
		Channel:     ev.Channel,
		Timestamp:   ev.Timestamp,
		Input:       ev.Input,
		Expert:      ev.Expert,
		RouteReason: ev.Reason,
		Response:    ev.Response,
		IsError:     ev.IsError,
		DurationMS:  ev.Duration.Milliseconds(),
	}
	if err := s.AddTurn(ctx, rec); err != nil {
		s.logger.Warn("Timeline write failed", "turn_id", ev.ID, "error", err)
	}
}

type FilterArgs struct {
	SessionKey string
	Expert     string
	ErrorsOnly bool
	Limit      int
	Offset     int
	StartDate  *time.Time
	EndDate    *time.Time
}

// GetTurns returns matching turns, newest first.
func (s *TimelineService) GetTurns(ctx context.Context, filter FilterArgs) ([]TurnRecord, error) {
	query := `SELECT id, turn_id, session_key, channel, timestamp, input, expert, route_reason, response, is_error, duration_ms FROM turns WHERE 1=1`
	args := []interface{}{}

	if filter.SessionKey != "" {
		query += " AND session_key = ?"
		args = append(args, filter.SessionKey)
	}
	if filter.Expert != "" {
		query += " AND expert = ?"
		args = append(args, filter.Expert)
	}
	if filter.ErrorsOnly {
		query += " AND is_error = 1"
	}
	if filter.StartDate != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var r TurnRecord
		err := rows.Scan(
			&r.ID,
			&r.TurnID,
			&r.SessionKey,
			&r.Channel,
			&r.Timestamp,
			&r.Input,
			&r.Expert,
			&r.RouteReason,
			&r.Response,
			&r.IsError,
			&r.DurationMS,
		)
		if err != nil {
			return nil, err
		}
		turns = append(turns, r)
	}
	return turns, rows.Err()
}

// ExpertUsage counts turns and errors per expert, busiest first.
func (s *TimelineService) ExpertUsage(ctx context.Context) ([]ExpertUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT expert, COUNT(*), COALESCE(SUM(CASE WHEN is_error THEN 1 ELSE 0 END), 0)
		FROM turns
		GROUP BY expert
		ORDER BY COUNT(*) DESC, expert ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpertUsage
	for rows.Next() {
		var u ExpertUsage
		if err := rows.Scan(&u.Expert, &u.Turns, &u.Errors); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune deletes turns older than cutoff and returns how many were removed.
func (s *TimelineService) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
