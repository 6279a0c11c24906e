package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samims/hakhel/internal/calendar"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func wc(s string) *model.WallClock {
	w, err := model.ParseWallClock(s)
	if err != nil {
		panic(err)
	}
	return &w
}

// fakeCalendar knows one anniversary per Hebrew year.
type fakeCalendar struct {
	cycleYear int
	dates     map[int]time.Time
}

func (f *fakeCalendar) NextOccurrence(_ context.Context, _ calendar.Month, _, year int) (time.Time, error) {
	d, ok := f.dates[year]
	if !ok {
		return time.Time{}, fmt.Errorf("no date for year %d", year)
	}
	return d, nil
}

func (f *fakeCalendar) CurrentCycleYear(context.Context, time.Time) (int, error) {
	return f.cycleYear, nil
}

type enqueued struct {
	job   queue.Job
	runAt time.Time
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, enqueued{job: job, runAt: runAt})
	return nil
}

func (q *fakeQueue) kinds() []queue.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Kind, len(q.jobs))
	for i, e := range q.jobs {
		out[i] = e.job.Kind
	}
	return out
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, true, nil
}

type fakeRescheduler struct {
	mu          sync.Mutex
	communities []int64
}

func (r *fakeRescheduler) Reschedule(_ context.Context, communityID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.communities = append(r.communities, communityID)
	return nil
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []model.OperationalEvent
}

func (r *recordingRecorder) Record(_ context.Context, ev model.OperationalEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// staticResolver returns a fixed configuration for every owner.
type staticResolver struct {
	cfg model.EffectiveConfig
}

func (r staticResolver) Resolve(context.Context, model.Owner) (model.EffectiveConfig, error) {
	return r.cfg, nil
}

func systemPreference() *model.Preference {
	return &model.Preference{
		Owner:                 model.SystemOwner(),
		Offsets:               []int{7},
		ChannelPriority:       []model.Channel{model.ChannelSMS, model.ChannelWhatsApp, model.ChannelEmail},
		AllowFallbackChannels: ptr(true),
		DailySweepTime:        wc("05:47"),
		SendWindowStart:       wc("09:00"),
		TimeZone:              ptr("UTC"),
	}
}

func testSubject(communityID, subjectID int64) *model.Subject {
	return &model.Subject{
		ID:          subjectID,
		CommunityID: communityID,
		Relation:    "father",
		Deceased: model.DeceasedPerson{
			FirstName:          "Moshe",
			LastName:           "Levi",
			HebrewMonthOfDeath: "Nisan",
			HebrewDayOfDeath:   "15",
		},
		Contact: model.ContactPerson{
			FirstName: "Dana",
			LastName:  "Levi",
			Phone:     "+972501234567",
			Email:     "dana@example.com",
		},
	}
}
