package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/hakhel/internal/config"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProducer_PublishPreferenceChange(t *testing.T) {
	sc := NewSaramaConfig(config.KafkaConfig{ClientID: "test"})
	mp := mocks.NewAsyncProducer(t, sc)

	owner := model.CommunityOwner(7)
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "community:7" {
			return errors.New("unexpected key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var change model.PreferenceChange
		if err := json.Unmarshal(value, &change); err != nil {
			return err
		}
		if change.Owner != owner || change.ChangedBy != "admin" {
			return errors.New("payload does not round trip")
		}
		return nil
	})

	var wg sync.WaitGroup
	p := NewProducer(mp, "prefs", discardLogger(), &wg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	err := p.PublishPreferenceChange(ctx, model.PreferenceChange{
		Owner:     owner,
		New:       &model.Preference{Owner: owner, Offsets: []int{3}},
		ChangedBy: "admin",
	})
	require.NoError(t, err)
	p.Close(ctx)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type scriptedHandler struct {
	mu      sync.Mutex
	results map[model.OwnerKind]error
	seen    []model.Owner
}

func (h *scriptedHandler) Analyze(_ context.Context, change model.PreferenceChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, change.Owner)
	return h.results[change.Owner.Kind]
}

func message(t *testing.T, offset int64, change any) *sarama.ConsumerMessage {
	t.Helper()
	var value []byte
	if s, ok := change.(string); ok {
		value = []byte(s)
	} else {
		var err error
		value, err = json.Marshal(change)
		require.NoError(t, err)
	}
	return &sarama.ConsumerMessage{Topic: "prefs", Offset: offset, Value: value}
}

func TestConsumer_ConsumeClaim(t *testing.T) {
	handler := &scriptedHandler{results: map[model.OwnerKind]error{
		model.OwnerCommunity: errors.New("database unavailable"),
		model.OwnerSubject:   appErr.NewInvalidInput("unknown owner"),
	}}
	c := NewConsumer("prefs", nil, handler, discardLogger())

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}
	claim.messages <- message(t, 1, model.PreferenceChange{Owner: model.SystemOwner()})
	claim.messages <- message(t, 2, "{not json")
	claim.messages <- message(t, 3, model.PreferenceChange{Owner: model.CommunityOwner(1)})
	claim.messages <- message(t, 4, model.PreferenceChange{Owner: model.SubjectOwner(1, 2)})
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	// offset 3 failed transiently and stays unmarked for redelivery
	assert.Equal(t, []int64{1, 2, 4}, session.marked)
	assert.Len(t, handler.seen, 3)
}

type closedGroup struct {
	sarama.ConsumerGroup
	closed bool
}

func (g *closedGroup) Consume(context.Context, []string, sarama.ConsumerGroupHandler) error {
	return sarama.ErrClosedConsumerGroup
}

func (g *closedGroup) Close() error {
	g.closed = true
	return nil
}

func TestConsumer_StartReturnsWhenGroupClosed(t *testing.T) {
	group := &closedGroup{}
	c := NewConsumer("prefs", group, &scriptedHandler{}, discardLogger())

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, sarama.ErrClosedConsumerGroup)
	assert.True(t, group.closed)
}
