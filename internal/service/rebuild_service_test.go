package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/storage"
)

// scriptedIntents answers Process with a canned result per subject.
type scriptedIntents struct {
	IntentService
	mu      sync.Mutex
	modes   map[int64]model.RefreshMode
	errs    map[int64]error
	visited []int64
}

func (s *scriptedIntents) Process(_ context.Context, _, subjectID int64) (*model.Intent, model.RefreshMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited = append(s.visited, subjectID)
	if err := s.errs[subjectID]; err != nil {
		return nil, "", err
	}
	mode, ok := s.modes[subjectID]
	if !ok {
		mode = model.RefreshUnchanged
	}
	return &model.Intent{SubjectID: subjectID}, mode, nil
}

type rebuildFixture struct {
	store    *storage.MockStorage
	intents  *scriptedIntents
	jobs     *fakeQueue
	recorder *recordingRecorder
	svc      *rebuildService
}

func newRebuildFixture(t *testing.T, now time.Time) *rebuildFixture {
	f := &rebuildFixture{
		store:    storage.NewMockStorage(t),
		intents:  &scriptedIntents{modes: map[int64]model.RefreshMode{}, errs: map[int64]error{}},
		jobs:     &fakeQueue{},
		recorder: &recordingRecorder{},
	}
	svc := NewRebuildService(f.store, f.intents, staticResolver{cfg: ResolveChain(systemPreference())},
		f.jobs, f.recorder, 4, 2, discardLogger()).(*rebuildService)
	svc.now = func() time.Time { return now }
	f.svc = svc
	return f
}

func (f *rebuildFixture) expectSubjects(communityID int64, pages ...[]int64) {
	f.store.On("FindCommunity", mock.Anything, communityID).Return(&model.Community{ID: communityID}, nil)
	var after int64
	for _, page := range pages {
		f.store.On("ListSubjectIDs", mock.Anything, communityID, after, 2).Return(page, nil).Once()
		if len(page) > 0 {
			after = page[len(page)-1]
		}
	}
}

func TestRebuildService_RebuildCommunityCountsModes(t *testing.T) {
	f := newRebuildFixture(t, time.Now())
	f.expectSubjects(1, []int64{1, 2}, []int64{3, 4}, []int64{})
	f.intents.modes[1] = model.RefreshCreated
	f.intents.modes[2] = model.RefreshUpdated
	f.intents.errs[4] = appErr.NewStaleReference("subject 4")

	sum, err := f.svc.RebuildCommunity(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, RebuildSummary{Subjects: 4, Created: 1, Updated: 1, Unchanged: 1, Failed: 1}, sum)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, f.intents.visited)
	assert.Equal(t, []string{model.EventRebuildBatchFailure}, f.recorder.types())
	assert.Equal(t, int64(4), *f.recorder.events[0].EntityID)
}

func TestRebuildService_ShortPageEndsPaging(t *testing.T) {
	f := newRebuildFixture(t, time.Now())
	f.expectSubjects(1, []int64{7})

	sum, err := f.svc.RebuildCommunity(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Subjects)
}

func TestRebuildService_TenantErrorAborts(t *testing.T) {
	f := newRebuildFixture(t, time.Now())
	f.expectSubjects(1, []int64{1})
	f.intents.errs[1] = appErr.NewTenantMissing("lost tenant")

	_, err := f.svc.RebuildCommunity(context.Background(), 1)
	assert.True(t, appErr.IsTenantMissing(err))
}

func TestRebuildService_CommunityChecks(t *testing.T) {
	t.Run("zero id", func(t *testing.T) {
		f := newRebuildFixture(t, time.Now())
		_, err := f.svc.Sweep(context.Background(), 0)
		assert.True(t, appErr.IsTenantMissing(err))
	})

	t.Run("deleted community", func(t *testing.T) {
		f := newRebuildFixture(t, time.Now())
		f.store.On("FindCommunity", mock.Anything, int64(9)).Return(nil, appErr.NewNotFound("community 9"))
		_, err := f.svc.RebuildCommunity(context.Background(), 9)
		assert.True(t, appErr.IsStale(err))
	})
}

func TestRebuildService_SweepSchedulesAtWindow(t *testing.T) {
	sweepAt := time.Date(2025, 4, 6, 5, 47, 0, 0, time.UTC)
	f := newRebuildFixture(t, sweepAt)
	f.expectSubjects(1, []int64{})
	f.store.On("ListDueIntents", mock.Anything, int64(1), day("2025-04-06")).
		Return([]model.Intent{{ID: 10}, {ID: 11}}, nil)

	sum, err := f.svc.Sweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Scheduled)

	window := time.Date(2025, 4, 6, 9, 0, 0, 0, time.UTC)
	require.Len(t, f.jobs.jobs, 2)
	for i, id := range []int64{10, 11} {
		assert.Equal(t, queue.DispatchJob(1, id), f.jobs.jobs[i].job)
		assert.True(t, f.jobs.jobs[i].runAt.Equal(window))
	}
}

func TestRebuildService_LateSweepDispatchesNow(t *testing.T) {
	late := time.Date(2025, 4, 6, 14, 0, 0, 0, time.UTC)
	f := newRebuildFixture(t, late)
	f.expectSubjects(1, []int64{})
	f.store.On("ListDueIntents", mock.Anything, int64(1), day("2025-04-06")).
		Return([]model.Intent{{ID: 10}}, nil)

	_, err := f.svc.Sweep(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, f.jobs.jobs, 1)
	assert.True(t, f.jobs.jobs[0].runAt.Equal(late))
}

func TestRebuildService_RebuildSubject(t *testing.T) {
	f := newRebuildFixture(t, time.Now())
	require.NoError(t, f.svc.RebuildSubject(context.Background(), 1, 5))
	assert.Equal(t, []int64{5}, f.intents.visited)
}
