package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
)

const preferenceColumns = `id, owner_type, owner_id, offsets, channel_priority, allow_fallback_channels,
		daily_sweep_time, send_window_start, time_zone, updated_at`

// preferenceRow is the raw column layout; arrays and TIME values need
// conversion before they become a model.Preference.
type preferenceRow struct {
	id        int64
	ownerType string
	ownerID   int64
	offsets   []int32
	channels  []string
	fallback  *bool
	sweep     pgtype.Time
	window    pgtype.Time
	timeZone  *string
	updatedAt pgtype.Timestamptz
}

func (r *preferenceRow) targets() []any {
	return []any{
		&r.id, &r.ownerType, &r.ownerID, &r.offsets, &r.channels, &r.fallback,
		&r.sweep, &r.window, &r.timeZone, &r.updatedAt,
	}
}

// toModel attaches owner, which carries the community id a subject row lacks.
func (r *preferenceRow) toModel(owner model.Owner) *model.Preference {
	p := &model.Preference{
		ID:                    r.id,
		Owner:                 owner,
		AllowFallbackChannels: r.fallback,
		TimeZone:              r.timeZone,
		UpdatedAt:             r.updatedAt.Time,
	}
	for _, o := range r.offsets {
		p.Offsets = append(p.Offsets, int(o))
	}
	for _, c := range r.channels {
		p.ChannelPriority = append(p.ChannelPriority, model.Channel(c))
	}
	if r.sweep.Valid {
		wc := model.WallClockFromMicros(r.sweep.Microseconds)
		p.DailySweepTime = &wc
	}
	if r.window.Valid {
		wc := model.WallClockFromMicros(r.window.Microseconds)
		p.SendWindowStart = &wc
	}
	return p
}

func ownerKey(o model.Owner) (string, int64) {
	if o.Kind == model.OwnerSystem {
		return string(model.OwnerSystem), 0
	}
	return string(o.Kind), o.ID
}

func timeParam(wc *model.WallClock) pgtype.Time {
	if wc == nil {
		return pgtype.Time{}
	}
	return pgtype.Time{Microseconds: wc.Micros(), Valid: true}
}

func preferenceParams(p *model.Preference) (offsets []int32, channels []string) {
	for _, o := range p.Offsets {
		offsets = append(offsets, int32(o))
	}
	for _, c := range p.ChannelPriority {
		channels = append(channels, string(c))
	}
	return offsets, channels
}

func (ps *PostgresStorage) FindPreference(ctx context.Context, owner model.Owner) (*model.Preference, error) {
	return findPreference(ctx, ps.db, owner, false)
}

func findPreference(ctx context.Context, q querier, owner model.Owner, lock bool) (*model.Preference, error) {
	query := `SELECT ` + preferenceColumns + ` FROM preferences WHERE owner_type = $1 AND owner_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	kind, id := ownerKey(owner)
	var row preferenceRow
	if err := q.QueryRow(ctx, query, kind, id).Scan(row.targets()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("preference for %s", owner)
		}
		return nil, fmt.Errorf("find preference failed: %w", err)
	}
	return row.toModel(owner), nil
}

func (ps *PostgresStorage) FindChain(ctx context.Context, owner model.Owner) ([]*model.Preference, error) {
	chain := owner.Chain()
	kinds := make([]string, len(chain))
	ids := make([]int64, len(chain))
	for i, o := range chain {
		kinds[i], ids[i] = ownerKey(o)
	}

	query := `SELECT ` + preferenceColumns + ` FROM preferences
		WHERE (owner_type, owner_id) IN (SELECT * FROM unnest($1::text[], $2::bigint[]))`

	rows, err := ps.db.Query(ctx, query, kinds, ids)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := make([]*model.Preference, len(chain))
	for rows.Next() {
		var row preferenceRow
		if err := rows.Scan(row.targets()...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		for i, o := range chain {
			k, id := ownerKey(o)
			if k == row.ownerType && id == row.ownerID {
				out[i] = row.toModel(o)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

func (ps *PostgresStorage) FindCommunityPreferences(ctx context.Context, communityIDs []int64) (map[int64]*model.Preference, error) {
	out := make(map[int64]*model.Preference, len(communityIDs))
	if len(communityIDs) == 0 {
		return out, nil
	}

	query := `SELECT ` + preferenceColumns + ` FROM preferences
		WHERE owner_type = $1 AND owner_id = ANY($2)`

	rows, err := ps.db.Query(ctx, query, string(model.OwnerCommunity), communityIDs)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row preferenceRow
		if err := rows.Scan(row.targets()...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out[row.ownerID] = row.toModel(model.CommunityOwner(row.ownerID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

func (ps *PostgresStorage) SavePreference(ctx context.Context, pref *model.Preference) (*model.Preference, error) {
	tx, err := ps.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback(ctx)

	previous, err := findPreference(ctx, tx, pref.Owner, true)
	if err != nil && !appErr.IsNotFound(err) {
		return nil, err
	}

	const query = `
		INSERT INTO preferences (owner_type, owner_id, offsets, channel_priority, allow_fallback_channels,
		                         daily_sweep_time, send_window_start, time_zone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET
			offsets = EXCLUDED.offsets,
			channel_priority = EXCLUDED.channel_priority,
			allow_fallback_channels = EXCLUDED.allow_fallback_channels,
			daily_sweep_time = EXCLUDED.daily_sweep_time,
			send_window_start = EXCLUDED.send_window_start,
			time_zone = EXCLUDED.time_zone,
			updated_at = now()
		RETURNING id, updated_at
	`

	kind, id := ownerKey(pref.Owner)
	offsets, channels := preferenceParams(pref)
	err = tx.QueryRow(ctx, query,
		kind, id, offsets, channels, pref.AllowFallbackChannels,
		timeParam(pref.DailySweepTime), timeParam(pref.SendWindowStart), pref.TimeZone,
	).Scan(&pref.ID, &pref.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save preference: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return previous, nil
}

func (ps *PostgresStorage) DeletePreference(ctx context.Context, owner model.Owner) (*model.Preference, error) {
	query := `DELETE FROM preferences WHERE owner_type = $1 AND owner_id = $2 RETURNING ` + preferenceColumns

	kind, id := ownerKey(owner)
	var row preferenceRow
	if err := ps.db.QueryRow(ctx, query, kind, id).Scan(row.targets()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("preference for %s", owner)
		}
		return nil, fmt.Errorf("failed to delete preference: %w", err)
	}
	return row.toModel(owner), nil
}
