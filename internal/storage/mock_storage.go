package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/samims/hakhel/internal/model"
)

// MockStorage is a testify mock of Storage.
type MockStorage struct {
	mock.Mock
}

var _ Storage = (*MockStorage)(nil)

// NewMockStorage registers AssertExpectations on test cleanup.
func NewMockStorage(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStorage {
	m := &MockStorage{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockStorage) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStorage) FindPreference(ctx context.Context, owner model.Owner) (*model.Preference, error) {
	args := m.Called(ctx, owner)
	pref, _ := args.Get(0).(*model.Preference)
	return pref, args.Error(1)
}

func (m *MockStorage) FindChain(ctx context.Context, owner model.Owner) ([]*model.Preference, error) {
	args := m.Called(ctx, owner)
	chain, _ := args.Get(0).([]*model.Preference)
	return chain, args.Error(1)
}

func (m *MockStorage) FindCommunityPreferences(ctx context.Context, communityIDs []int64) (map[int64]*model.Preference, error) {
	args := m.Called(ctx, communityIDs)
	prefs, _ := args.Get(0).(map[int64]*model.Preference)
	return prefs, args.Error(1)
}

func (m *MockStorage) SavePreference(ctx context.Context, pref *model.Preference) (*model.Preference, error) {
	args := m.Called(ctx, pref)
	prev, _ := args.Get(0).(*model.Preference)
	return prev, args.Error(1)
}

func (m *MockStorage) DeletePreference(ctx context.Context, owner model.Owner) (*model.Preference, error) {
	args := m.Called(ctx, owner)
	prev, _ := args.Get(0).(*model.Preference)
	return prev, args.Error(1)
}

func (m *MockStorage) FindCommunity(ctx context.Context, id int64) (*model.Community, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Community)
	return c, args.Error(1)
}

func (m *MockStorage) ListCommunities(ctx context.Context, afterID int64, limit int) ([]model.Community, error) {
	args := m.Called(ctx, afterID, limit)
	cs, _ := args.Get(0).([]model.Community)
	return cs, args.Error(1)
}

func (m *MockStorage) FindSubject(ctx context.Context, communityID, subjectID int64) (*model.Subject, error) {
	args := m.Called(ctx, communityID, subjectID)
	s, _ := args.Get(0).(*model.Subject)
	return s, args.Error(1)
}

func (m *MockStorage) ListSubjectIDs(ctx context.Context, communityID, afterID int64, limit int) ([]int64, error) {
	args := m.Called(ctx, communityID, afterID, limit)
	ids, _ := args.Get(0).([]int64)
	return ids, args.Error(1)
}

func (m *MockStorage) RefreshIntent(ctx context.Context, communityID, subjectID int64, plan RefreshPlan) (*model.Intent, model.RefreshMode, error) {
	args := m.Called(ctx, communityID, subjectID, plan)
	in, _ := args.Get(0).(*model.Intent)
	mode, _ := args.Get(1).(model.RefreshMode)
	return in, mode, args.Error(2)
}

func (m *MockStorage) FindIntent(ctx context.Context, communityID, intentID int64) (*model.Intent, error) {
	args := m.Called(ctx, communityID, intentID)
	in, _ := args.Get(0).(*model.Intent)
	return in, args.Error(1)
}

func (m *MockStorage) ListIntents(ctx context.Context, communityID int64, status model.ApprovalStatus) ([]model.Intent, error) {
	args := m.Called(ctx, communityID, status)
	ins, _ := args.Get(0).([]model.Intent)
	return ins, args.Error(1)
}

func (m *MockStorage) ListDueIntents(ctx context.Context, communityID int64, onOrBefore time.Time) ([]model.Intent, error) {
	args := m.Called(ctx, communityID, onOrBefore)
	ins, _ := args.Get(0).([]model.Intent)
	return ins, args.Error(1)
}

func (m *MockStorage) SetApproval(ctx context.Context, communityID, intentID int64, status model.ApprovalStatus, approver string, at time.Time) (*model.Intent, error) {
	args := m.Called(ctx, communityID, intentID, status, approver, at)
	in, _ := args.Get(0).(*model.Intent)
	return in, args.Error(1)
}

func (m *MockStorage) CountIntents(ctx context.Context, communityID, subjectID int64) (int64, error) {
	args := m.Called(ctx, communityID, subjectID)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

func (m *MockStorage) ExistsByToken(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) HasSentBetween(ctx context.Context, subjectID int64, from, to time.Time) (bool, error) {
	args := m.Called(ctx, subjectID, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) CompleteIntent(ctx context.Context, intent *model.Intent, rec model.SentRecord) error {
	return m.Called(ctx, intent, rec).Error(0)
}

func (m *MockStorage) AbandonIntent(ctx context.Context, intent *model.Intent, rec model.NotSentRecord) error {
	return m.Called(ctx, intent, rec).Error(0)
}

func (m *MockStorage) Stats(ctx context.Context, communityID int64, since, today time.Time) (*model.AuditStats, error) {
	args := m.Called(ctx, communityID, since, today)
	st, _ := args.Get(0).(*model.AuditStats)
	return st, args.Error(1)
}
