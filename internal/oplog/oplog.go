package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/model"
)

// Recorder appends operational events. Implementations never fail the caller.
type Recorder interface {
	Record(ctx context.Context, event model.OperationalEvent)
}

type PostgresRecorder struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresRecorder opens its own sqlx pool so the diagnostic trail can live
// in a separate database.
func NewPostgresRecorder(cfg config.DBConfig, logger *slog.Logger) (*PostgresRecorder, error) {
	db, err := sqlx.Connect("postgres", cfg.OpLogURL)
	if err != nil {
		return nil, fmt.Errorf("oplog connect failed: %w", err)
	}
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	return NewRecorder(db, logger), nil
}

func NewRecorder(db *sqlx.DB, logger *slog.Logger) *PostgresRecorder {
	return &PostgresRecorder{
		db:     db,
		logger: logger.With("layer", "oplog"),
	}
}

type eventRow struct {
	model.OperationalEvent
	DetailsJSON []byte `db:"details"`
}

const insertEvent = `
	INSERT INTO operational_events
		(event_type, event_time, community_id, entity_type, entity_id, message_token, details, error_type, error_message)
	VALUES
		(:event_type, :event_time, :community_id, :entity_type, :entity_id, :message_token, :details, :error_type, :error_message)
`

// Record writes the event. A failed write is logged and dropped.
func (r *PostgresRecorder) Record(ctx context.Context, event model.OperationalEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		r.logger.Error("failed to encode event details", "event_type", event.EventType, "error", err)
		raw = []byte("{}")
	}

	if _, err := r.db.NamedExecContext(ctx, insertEvent, eventRow{OperationalEvent: event, DetailsJSON: raw}); err != nil {
		r.logger.Error("failed to record operational event",
			"event_type", event.EventType,
			"message_token", event.MessageToken,
			"error", err,
		)
	}
}

// Recent returns the newest events of a community, most recent first.
func (r *PostgresRecorder) Recent(ctx context.Context, communityID int64, limit int) ([]model.OperationalEvent, error) {
	const query = `
		SELECT id, event_type, event_time, community_id, COALESCE(entity_type, '') AS entity_type, entity_id,
		       COALESCE(message_token, '') AS message_token, details,
		       COALESCE(error_type, '') AS error_type, COALESCE(error_message, '') AS error_message
		FROM operational_events
		WHERE community_id = $1
		ORDER BY event_time DESC, id DESC
		LIMIT $2
	`

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, communityID, limit); err != nil {
		return nil, fmt.Errorf("select events failed: %w", err)
	}

	events := make([]model.OperationalEvent, 0, len(rows))
	for _, row := range rows {
		ev := row.OperationalEvent
		if len(row.DetailsJSON) > 0 {
			if err := json.Unmarshal(row.DetailsJSON, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, model.OperationalEvent) {}
