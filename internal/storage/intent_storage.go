package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
)

const intentColumns = `id, community_id, subject_id, send_date, channel, email, phone, approval_status,
		approved_at, approved_by, token, generation, created_at, updated_at`

func scanIntent(row pgx.Row) (*model.Intent, error) {
	var (
		in                       model.Intent
		email, phone, approvedBy pgtype.Text
	)
	err := row.Scan(
		&in.ID, &in.CommunityID, &in.SubjectID, &in.SendDate, &in.Channel, &email, &phone,
		&in.ApprovalStatus, &in.ApprovedAt, &approvedBy, &in.Token, &in.Generation,
		&in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.Email = email.String
	in.Phone = phone.String
	in.ApprovedBy = approvedBy.String
	return &in, nil
}

func collectIntents(rows pgx.Rows) ([]model.Intent, error) {
	defer rows.Close()

	var intents []model.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		intents = append(intents, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return intents, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// RefreshIntent serializes find-or-create per subject by locking the subject
// row for the whole read-plan-write cycle.
func (ps *PostgresStorage) RefreshIntent(ctx context.Context, communityID, subjectID int64, plan RefreshPlan) (*model.Intent, model.RefreshMode, error) {
	tx, err := ps.db.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var generation int
	err = tx.QueryRow(ctx,
		`SELECT intent_generation FROM subjects WHERE id = $1 AND community_id = $2 FOR UPDATE`,
		subjectID, communityID,
	).Scan(&generation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", appErr.NewStaleReference("subject %d in community %d", subjectID, communityID)
		}
		return nil, "", fmt.Errorf("lock subject failed: %w", err)
	}

	current, err := scanIntent(tx.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE subject_id = $1`, subjectID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, "", fmt.Errorf("load intent failed: %w", err)
		}
		current = nil
	}

	write, err := plan(current)
	if err != nil {
		return nil, "", err
	}

	result, mode := current, model.RefreshUnchanged
	switch {
	case write.Create != nil:
		if current != nil {
			return nil, "", appErr.NewConflict("subject %d already has intent %d", subjectID, current.ID)
		}
		result, err = insertIntent(ctx, tx, write.Create, generation+1)
		if err != nil {
			return nil, "", err
		}
		mode = model.RefreshCreated

	case write.Update != nil && current != nil:
		const query = `
			UPDATE intents
			SET send_date = $1, channel = $2, email = $3, phone = $4, updated_at = now()
			WHERE id = $5
			RETURNING updated_at
		`
		f := write.Update
		err = tx.QueryRow(ctx, query, f.SendDate, f.Channel, nullText(f.Email), nullText(f.Phone), current.ID).
			Scan(&current.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("failed to update intent: %w", err)
		}
		current.SendDate = f.SendDate
		current.Channel = f.Channel
		current.Email = f.Email
		current.Phone = f.Phone
		mode = model.RefreshUpdated
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit failed: %w", err)
	}
	return result, mode, nil
}

func insertIntent(ctx context.Context, tx pgx.Tx, in *model.Intent, generation int) (*model.Intent, error) {
	if _, err := tx.Exec(ctx, `UPDATE subjects SET intent_generation = $1 WHERE id = $2`, generation, in.SubjectID); err != nil {
		return nil, fmt.Errorf("failed to bump generation: %w", err)
	}

	const query = `
		INSERT INTO intents (community_id, subject_id, send_date, channel, email, phone, approval_status, token, generation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	if in.ApprovalStatus == "" {
		in.ApprovalStatus = model.ApprovalPending
	}
	in.Generation = generation
	err := tx.QueryRow(ctx, query,
		in.CommunityID, in.SubjectID, in.SendDate, in.Channel, nullText(in.Email), nullText(in.Phone),
		in.ApprovalStatus, in.Token, in.Generation,
	).Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, appErr.NewConflict("intent for subject %d: %v", in.SubjectID, err)
		}
		return nil, fmt.Errorf("failed to insert intent: %w", err)
	}
	return in, nil
}

func (ps *PostgresStorage) FindIntent(ctx context.Context, communityID, intentID int64) (*model.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1 AND community_id = $2`

	in, err := scanIntent(ps.db.QueryRow(ctx, query, intentID, communityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("intent %d in community %d", intentID, communityID)
		}
		return nil, fmt.Errorf("find intent failed: %w", err)
	}
	return in, nil
}

// ListIntents returns the community's live intents; an empty status lists all.
func (ps *PostgresStorage) ListIntents(ctx context.Context, communityID int64, status model.ApprovalStatus) ([]model.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents
		WHERE community_id = $1 AND ($2::text = '' OR approval_status = $2)
		ORDER BY send_date, id`

	rows, err := ps.db.Query(ctx, query, communityID, string(status))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return collectIntents(rows)
}

func (ps *PostgresStorage) ListDueIntents(ctx context.Context, communityID int64, onOrBefore time.Time) ([]model.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents
		WHERE community_id = $1 AND send_date <= $2
		ORDER BY send_date, id`

	rows, err := ps.db.Query(ctx, query, communityID, model.CivilDate(onOrBefore))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return collectIntents(rows)
}

func (ps *PostgresStorage) SetApproval(ctx context.Context, communityID, intentID int64, status model.ApprovalStatus, approver string, at time.Time) (*model.Intent, error) {
	query := `
		UPDATE intents
		SET approval_status = $1, approved_at = $2, approved_by = $3, updated_at = now()
		WHERE id = $4 AND community_id = $5
		RETURNING ` + intentColumns

	in, err := scanIntent(ps.db.QueryRow(ctx, query, status, at, nullText(approver), intentID, communityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("intent %d in community %d", intentID, communityID)
		}
		return nil, fmt.Errorf("failed to set approval: %w", err)
	}
	return in, nil
}

func (ps *PostgresStorage) CountIntents(ctx context.Context, communityID, subjectID int64) (int64, error) {
	const query = `
		SELECT count(*) FROM intents
		WHERE ($1::bigint = 0 OR community_id = $1) AND ($2::bigint = 0 OR subject_id = $2)
	`

	var n int64
	if err := ps.db.QueryRow(ctx, query, communityID, subjectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count intents failed: %w", err)
	}
	return n, nil
}
