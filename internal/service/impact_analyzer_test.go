package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/storage"
)

type analyzerFixture struct {
	store       *storage.MockStorage
	jobs        *fakeQueue
	rescheduler *fakeRescheduler
	recorder    *recordingRecorder
	analyzer    ImpactAnalyzer
}

func newAnalyzerFixture(t *testing.T) *analyzerFixture {
	f := &analyzerFixture{
		store:       storage.NewMockStorage(t),
		jobs:        &fakeQueue{},
		rescheduler: &fakeRescheduler{},
		recorder:    &recordingRecorder{},
	}
	f.analyzer = NewImpactAnalyzer(f.store, f.jobs, f.rescheduler, f.recorder, 2, discardLogger())
	return f
}

func channels(chs ...model.Channel) []model.Channel { return chs }

func TestImpactAnalyzer_SubjectChangeAlwaysRebuilds(t *testing.T) {
	f := newAnalyzerFixture(t)
	owner := model.SubjectOwner(1, 5)

	err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{
		Owner: owner,
		New:   &model.Preference{Owner: owner, Offsets: []int{3}},
	})
	require.NoError(t, err)

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, queue.RebuildSubjectJob(1, 5), f.jobs.jobs[0].job)
	assert.Equal(t, []string{model.EventRebuildDecision}, f.recorder.types())
}

func TestImpactAnalyzer_NonImpactFieldSkips(t *testing.T) {
	f := newAnalyzerFixture(t)
	owner := model.SubjectOwner(1, 5)

	err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{
		Owner: owner,
		Old:   &model.Preference{Owner: owner, AllowFallbackChannels: ptr(true)},
		New:   &model.Preference{Owner: owner, AllowFallbackChannels: ptr(false)},
	})
	require.NoError(t, err)
	assert.Empty(t, f.jobs.jobs)
	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, ReasonNoImpactFields, f.recorder.events[0].Details["reason"])
}

func TestImpactAnalyzer_CommunityChange(t *testing.T) {
	system := systemPreference()
	owner := model.CommunityOwner(1)

	tests := []struct {
		name        string
		old, new    *model.Preference
		wantRebuild bool
		wantReason  string
	}{
		{
			name:        "reset override to inherit is an effective change",
			old:         &model.Preference{Owner: owner, ChannelPriority: channels(model.ChannelEmail)},
			new:         &model.Preference{Owner: owner},
			wantRebuild: true,
			wantReason:  ReasonEffectiveChanged,
		},
		{
			name:        "deleting the record is an effective change",
			old:         &model.Preference{Owner: owner, Offsets: []int{1}},
			new:         nil,
			wantRebuild: true,
			wantReason:  ReasonEffectiveChanged,
		},
		{
			name:       "override equal to system value is not",
			old:        &model.Preference{Owner: owner},
			new:        &model.Preference{Owner: owner, Offsets: []int{7}},
			wantReason: ReasonEffectiveUnchanged,
		},
		{
			name:        "new override differs from system",
			old:         nil,
			new:         &model.Preference{Owner: owner, Offsets: []int{2, 7}},
			wantRebuild: true,
			wantReason:  ReasonEffectiveChanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAnalyzerFixture(t)
			f.store.On("FindPreference", mock.Anything, model.SystemOwner()).Return(system, nil)

			err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{Owner: owner, Old: tt.old, New: tt.new})
			require.NoError(t, err)

			if tt.wantRebuild {
				require.Len(t, f.jobs.jobs, 1)
				assert.Equal(t, queue.RebuildCommunityJob(1), f.jobs.jobs[0].job)
			} else {
				assert.Empty(t, f.jobs.jobs)
			}
			require.Len(t, f.recorder.events, 1)
			assert.Equal(t, tt.wantReason, f.recorder.events[0].Details["reason"])
		})
	}
}

func TestImpactAnalyzer_CommunityScheduleChangeReschedules(t *testing.T) {
	f := newAnalyzerFixture(t)
	owner := model.CommunityOwner(3)
	f.store.On("FindPreference", mock.Anything, model.SystemOwner()).Return(systemPreference(), nil)

	err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{
		Owner: owner,
		New:   &model.Preference{Owner: owner, DailySweepTime: wc("06:30")},
	})
	require.NoError(t, err)

	assert.Empty(t, f.jobs.jobs, "schedule fields never rebuild")
	assert.Equal(t, []int64{3}, f.rescheduler.communities)
	assert.Equal(t, []string{model.EventRebuildDecision, model.EventRescheduleDecision}, f.recorder.types())
}

func TestImpactAnalyzer_SystemChangeSkipsOverridingCommunities(t *testing.T) {
	f := newAnalyzerFixture(t)
	old := systemPreference()
	updated := systemPreference()
	updated.ChannelPriority = channels(model.ChannelWhatsApp, model.ChannelSMS)

	f.store.On("ListCommunities", mock.Anything, int64(0), 2).
		Return([]model.Community{{ID: 1}, {ID: 2}}, nil)
	f.store.On("ListCommunities", mock.Anything, int64(2), 2).
		Return([]model.Community{{ID: 3}}, nil)
	f.store.On("FindCommunityPreferences", mock.Anything, []int64{1, 2}).
		Return(map[int64]*model.Preference{
			1: {Owner: model.CommunityOwner(1), ChannelPriority: channels(model.ChannelEmail)},
		}, nil)
	f.store.On("FindCommunityPreferences", mock.Anything, []int64{3}).
		Return(map[int64]*model.Preference{
			3: {Owner: model.CommunityOwner(3), Offsets: []int{1}},
		}, nil)

	err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{Owner: model.SystemOwner(), Old: old, New: updated})
	require.NoError(t, err)

	var rebuilt []int64
	for _, e := range f.jobs.jobs {
		rebuilt = append(rebuilt, e.job.CommunityID)
	}
	assert.Equal(t, []int64{2, 3}, rebuilt, "community 1 overrides channel_priority")

	reasons := map[int64]any{}
	for _, ev := range f.recorder.events {
		reasons[*ev.EntityID] = ev.Details["reason"]
	}
	assert.Equal(t, ReasonFullyOverridden, reasons[1])
	assert.Equal(t, ReasonInheritsChanged, reasons[2])
	assert.Empty(t, f.rescheduler.communities)
}

func TestImpactAnalyzer_SystemScheduleChangeReschedulesInheritors(t *testing.T) {
	f := newAnalyzerFixture(t)
	old := systemPreference()
	updated := systemPreference()
	updated.SendWindowStart = wc("10:00")

	f.store.On("ListCommunities", mock.Anything, int64(0), 2).
		Return([]model.Community{{ID: 1}}, nil)
	f.store.On("FindCommunityPreferences", mock.Anything, []int64{1}).
		Return(map[int64]*model.Preference{}, nil)

	err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{Owner: model.SystemOwner(), Old: old, New: updated})
	require.NoError(t, err)

	assert.Empty(t, f.jobs.jobs)
	assert.Equal(t, []int64{1}, f.rescheduler.communities)
}

func TestImpactAnalyzer_EnqueueFailureIsRecordedAndReturned(t *testing.T) {
	f := newAnalyzerFixture(t)
	f.jobs.err = assert.AnError
	owner := model.SubjectOwner(1, 5)

	err := f.analyzer.Analyze(context.Background(), model.PreferenceChange{
		Owner: owner,
		New:   &model.Preference{Owner: owner, Offsets: []int{3}},
	})
	require.Error(t, err)
	assert.Contains(t, f.recorder.types(), model.EventRebuildBatchFailure)
}

func TestImpactAnalyzer_Preview(t *testing.T) {
	t.Run("community override counts community intents", func(t *testing.T) {
		f := newAnalyzerFixture(t)
		owner := model.CommunityOwner(1)
		f.store.On("FindPreference", mock.Anything, owner).Return(nil, appErr.NewNotFound("none"))
		f.store.On("FindPreference", mock.Anything, model.SystemOwner()).Return(systemPreference(), nil)
		f.store.On("CountIntents", mock.Anything, int64(1), int64(0)).Return(int64(12), nil)

		n, err := f.analyzer.Preview(context.Background(), owner, &model.Preference{Owner: owner, Offsets: []int{1}})
		require.NoError(t, err)
		assert.Equal(t, int64(12), n)
		assert.Empty(t, f.jobs.jobs, "preview never enqueues")
		assert.Empty(t, f.recorder.events, "preview never records")
	})

	t.Run("masked change counts nothing", func(t *testing.T) {
		f := newAnalyzerFixture(t)
		owner := model.CommunityOwner(1)
		f.store.On("FindPreference", mock.Anything, owner).Return(nil, appErr.NewNotFound("none"))
		f.store.On("FindPreference", mock.Anything, model.SystemOwner()).Return(systemPreference(), nil)

		n, err := f.analyzer.Preview(context.Background(), owner, &model.Preference{Owner: owner, Offsets: []int{7}})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("subject counts its own intent", func(t *testing.T) {
		f := newAnalyzerFixture(t)
		owner := model.SubjectOwner(1, 9)
		f.store.On("FindPreference", mock.Anything, owner).Return(nil, appErr.NewNotFound("none"))
		f.store.On("CountIntents", mock.Anything, int64(1), int64(9)).Return(int64(1), nil)

		n, err := f.analyzer.Preview(context.Background(), owner, &model.Preference{Owner: owner, ChannelPriority: channels(model.ChannelEmail)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
