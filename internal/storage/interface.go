package storage

import (
	"context"
	"time"

	"github.com/samims/hakhel/internal/model"
)

type HealthCheckStorage interface {
	Ping(ctx context.Context) error
}

// PreferenceStorage persists one Preference per owner.
type PreferenceStorage interface {
	FindPreference(ctx context.Context, owner model.Owner) (*model.Preference, error)
	// FindChain returns the records of owner.Chain(), index-aligned, with nil
	// for owners that have no record.
	FindChain(ctx context.Context, owner model.Owner) ([]*model.Preference, error)
	FindCommunityPreferences(ctx context.Context, communityIDs []int64) (map[int64]*model.Preference, error)
	// SavePreference upserts and returns the row it replaced, nil if none.
	SavePreference(ctx context.Context, pref *model.Preference) (*model.Preference, error)
	DeletePreference(ctx context.Context, owner model.Owner) (*model.Preference, error)
}

// TenantStorage reads communities and their subjects.
type TenantStorage interface {
	FindCommunity(ctx context.Context, id int64) (*model.Community, error)
	ListCommunities(ctx context.Context, afterID int64, limit int) ([]model.Community, error)
	FindSubject(ctx context.Context, communityID, subjectID int64) (*model.Subject, error)
	ListSubjectIDs(ctx context.Context, communityID, afterID int64, limit int) ([]int64, error)
}

// RefreshPlan decides what to write given the subject's live intent (nil
// when there is none). It runs while the subject row is locked.
type RefreshPlan func(current *model.Intent) (model.IntentWrite, error)

type IntentStorage interface {
	RefreshIntent(ctx context.Context, communityID, subjectID int64, plan RefreshPlan) (*model.Intent, model.RefreshMode, error)
	FindIntent(ctx context.Context, communityID, intentID int64) (*model.Intent, error)
	ListIntents(ctx context.Context, communityID int64, status model.ApprovalStatus) ([]model.Intent, error)
	ListDueIntents(ctx context.Context, communityID int64, onOrBefore time.Time) ([]model.Intent, error)
	SetApproval(ctx context.Context, communityID, intentID int64, status model.ApprovalStatus, approver string, at time.Time) (*model.Intent, error)
	// CountIntents counts live intents; a zero subjectID counts the whole community
	// and a zero communityID counts everything.
	CountIntents(ctx context.Context, communityID, subjectID int64) (int64, error)
}

// AuditStorage is the append-only Sent / NotSent log. Records are only
// written together with the deletion of the intent they close.
type AuditStorage interface {
	ExistsByToken(ctx context.Context, token string) (bool, error)
	HasSentBetween(ctx context.Context, subjectID int64, from, to time.Time) (bool, error)
	// CompleteIntent inserts the Sent record and deletes the intent in one
	// transaction. It returns ErrDuplicate when the token was already audited.
	CompleteIntent(ctx context.Context, intent *model.Intent, rec model.SentRecord) error
	AbandonIntent(ctx context.Context, intent *model.Intent, rec model.NotSentRecord) error
	Stats(ctx context.Context, communityID int64, since, today time.Time) (*model.AuditStats, error)
}

// Storage is everything the Postgres implementation provides.
type Storage interface {
	HealthCheckStorage
	PreferenceStorage
	TenantStorage
	IntentStorage
	AuditStorage
}
