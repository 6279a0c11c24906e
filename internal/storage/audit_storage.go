package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
)

const commonErrorLimit = 5

const tokenAuditedQuery = `
	SELECT EXISTS (SELECT 1 FROM sent_messages WHERE token = $1)
	    OR EXISTS (SELECT 1 FROM not_sent_messages WHERE token = $1)
`

func tokenAudited(ctx context.Context, q querier, token string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, tokenAuditedQuery, token).Scan(&exists); err != nil {
		return false, fmt.Errorf("audit lookup failed: %w", err)
	}
	return exists, nil
}

func duplicate(token string) error {
	return fmt.Errorf("token %s: %w", token, appErr.ErrDuplicate)
}

func (ps *PostgresStorage) ExistsByToken(ctx context.Context, token string) (bool, error) {
	return tokenAudited(ctx, ps.db, token)
}

func (ps *PostgresStorage) HasSentBetween(ctx context.Context, subjectID int64, from, to time.Time) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM sent_messages
			WHERE subject_id = $1 AND created_at >= $2 AND created_at < $3
		)
	`

	var exists bool
	if err := ps.db.QueryRow(ctx, query, subjectID, from, to).Scan(&exists); err != nil {
		return false, fmt.Errorf("sent lookup failed: %w", err)
	}
	return exists, nil
}

func (ps *PostgresStorage) CompleteIntent(ctx context.Context, intent *model.Intent, rec model.SentRecord) error {
	const query = `
		INSERT INTO sent_messages (community_id, subject_id, token, receipt_id, channel, send_date, full_message, email, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	return ps.closeIntent(ctx, intent, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			rec.CommunityID, rec.SubjectID, rec.Token, rec.ReceiptID, rec.Channel, rec.SendDate,
			rec.FullMessage, nullText(rec.Email), nullText(rec.Phone),
		)
		return err
	})
}

func (ps *PostgresStorage) AbandonIntent(ctx context.Context, intent *model.Intent, rec model.NotSentRecord) error {
	const query = `
		INSERT INTO not_sent_messages (community_id, subject_id, token, reason, channel, send_date, full_message, email, phone, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	return ps.closeIntent(ctx, intent, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			rec.CommunityID, rec.SubjectID, rec.Token, rec.Reason, nullText(string(rec.Channel)), rec.SendDate,
			nullText(rec.FullMessage), nullText(rec.Email), nullText(rec.Phone), nullText(rec.ErrorMessage),
		)
		return err
	})
}

// closeIntent writes one audit record and deletes the intent atomically. The
// unique token constraints are the real guard; the lookup only short-circuits.
func (ps *PostgresStorage) closeIntent(ctx context.Context, intent *model.Intent, insert func(pgx.Tx) error) error {
	tx, err := ps.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback(ctx)

	audited, err := tokenAudited(ctx, tx, intent.Token)
	if err != nil {
		return err
	}
	if audited {
		return duplicate(intent.Token)
	}

	if err := insert(tx); err != nil {
		if isUniqueViolation(err) {
			return duplicate(intent.Token)
		}
		return fmt.Errorf("failed to write audit record: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM intents WHERE id = $1 AND token = $2`, intent.ID, intent.Token); err != nil {
		return fmt.Errorf("failed to delete intent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return duplicate(intent.Token)
		}
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) Stats(ctx context.Context, communityID int64, since, today time.Time) (*model.AuditStats, error) {
	stats := &model.AuditStats{
		Since:           since,
		NotSentByReason: make(map[model.NotSentReason]int64),
		CommonErrors:    []model.ErrorCount{},
	}

	const countsQuery = `
		SELECT
			(SELECT count(*) FROM sent_messages WHERE community_id = $1 AND created_at >= $2),
			(SELECT count(*) FROM not_sent_messages WHERE community_id = $1 AND created_at >= $2),
			(SELECT count(*) FROM intents WHERE community_id = $1 AND approval_status = 'pending'),
			(SELECT count(*) FROM intents WHERE community_id = $1 AND approval_status = 'approved' AND send_date >= $3)
	`
	err := ps.db.QueryRow(ctx, countsQuery, communityID, since, model.CivilDate(today)).Scan(
		&stats.Sent, &stats.NotSent, &stats.PendingApproval, &stats.ApprovedUpcoming,
	)
	if err != nil {
		return nil, fmt.Errorf("audit counts failed: %w", err)
	}

	const reasonsQuery = `
		SELECT reason, count(*) FROM not_sent_messages
		WHERE community_id = $1 AND created_at >= $2
		GROUP BY reason
	`
	rows, err := ps.db.Query(ctx, reasonsQuery, communityID, since)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			reason model.NotSentReason
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		stats.NotSentByReason[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	const errorsQuery = `
		SELECT error_message, count(*) AS n FROM not_sent_messages
		WHERE community_id = $1 AND created_at >= $2 AND error_message IS NOT NULL
		GROUP BY error_message
		ORDER BY n DESC, error_message
		LIMIT $3
	`
	errRows, err := ps.db.Query(ctx, errorsQuery, communityID, since, commonErrorLimit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var ec model.ErrorCount
		if err := errRows.Scan(&ec.Message, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		stats.CommonErrors = append(stats.CommonErrors, ec)
	}
	if err := errRows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return stats, nil
}
