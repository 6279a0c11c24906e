package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
)

const uniqueViolation = "23505"

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStorage struct {
	db *pgxpool.Pool
}

func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: pool}
}

var _ Storage = (*PostgresStorage)(nil)

func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.db.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (ps *PostgresStorage) FindCommunity(ctx context.Context, id int64) (*model.Community, error) {
	const query = `
		SELECT id, name, community_type, phone_number, email_address, created_at
		FROM communities
		WHERE id = $1
	`

	var (
		c            model.Community
		phone, email pgtype.Text
	)
	err := ps.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.CommunityType, &phone, &email, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("community %d", id)
		}
		return nil, fmt.Errorf("find community failed: %w", err)
	}
	c.PhoneNumber = phone.String
	c.EmailAddress = email.String
	return &c, nil
}

// ListCommunities pages by id so callers can walk every tenant in batches.
func (ps *PostgresStorage) ListCommunities(ctx context.Context, afterID int64, limit int) ([]model.Community, error) {
	const query = `
		SELECT id, name, community_type, phone_number, email_address, created_at
		FROM communities
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := ps.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var communities []model.Community
	for rows.Next() {
		var (
			c            model.Community
			phone, email pgtype.Text
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.CommunityType, &phone, &email, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		c.PhoneNumber = phone.String
		c.EmailAddress = email.String
		communities = append(communities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return communities, nil
}

func (ps *PostgresStorage) FindSubject(ctx context.Context, communityID, subjectID int64) (*model.Subject, error) {
	const query = `
		SELECT s.id, s.community_id, s.relation_of_deceased_to_contact,
		       d.id, d.first_name, d.last_name, d.gender, d.hebrew_month_of_death, d.hebrew_day_of_death,
		       c.id, c.first_name, c.last_name, c.email, c.phone, c.opted_out
		FROM subjects s
		JOIN deceased_people d ON d.id = s.deceased_person_id
		JOIN contact_people c ON c.id = s.contact_person_id
		WHERE s.id = $1 AND s.community_id = $2
	`

	var (
		s                              model.Subject
		relation, gender, email, phone pgtype.Text
	)
	err := ps.db.QueryRow(ctx, query, subjectID, communityID).Scan(
		&s.ID, &s.CommunityID, &relation,
		&s.Deceased.ID, &s.Deceased.FirstName, &s.Deceased.LastName, &gender,
		&s.Deceased.HebrewMonthOfDeath, &s.Deceased.HebrewDayOfDeath,
		&s.Contact.ID, &s.Contact.FirstName, &s.Contact.LastName, &email, &phone, &s.Contact.OptedOut,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("subject %d in community %d", subjectID, communityID)
		}
		return nil, fmt.Errorf("find subject failed: %w", err)
	}
	s.Relation = relation.String
	s.Deceased.Gender = gender.String
	s.Contact.Email = email.String
	s.Contact.Phone = phone.String
	return &s, nil
}

func (ps *PostgresStorage) ListSubjectIDs(ctx context.Context, communityID, afterID int64, limit int) ([]int64, error) {
	const query = `
		SELECT id FROM subjects
		WHERE community_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`

	rows, err := ps.db.Query(ctx, query, communityID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect subject ids failed: %w", err)
	}
	return ids, nil
}
