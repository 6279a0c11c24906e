package delivery

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/samims/hakhel/internal/model"
)

// MockDispatcher is a testify mock of Dispatcher.
type MockDispatcher struct {
	mock.Mock
}

var _ Dispatcher = (*MockDispatcher)(nil)

func NewMockDispatcher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockDispatcher {
	m := &MockDispatcher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockDispatcher) Send(ctx context.Context, channels []model.Channel, phone, email string, msg Message) (*Receipt, error) {
	args := m.Called(ctx, channels, phone, email, msg)
	r, _ := args.Get(0).(*Receipt)
	return r, args.Error(1)
}
