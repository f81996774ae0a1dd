// Package mocks provides test doubles for the hubspot client.
package mocks

import (
	"context"

	hubspot "github.com/sells-group/dedupe-cli/pkg/hubspot"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// ListContacts provides a mock function with given fields: ctx, after, limit, properties
func (_m *MockClient) ListContacts(ctx context.Context, after string, limit int, properties []string) (*hubspot.ListResponse, error) {
	ret := _m.Called(ctx, after, limit, properties)

	if len(ret) == 0 {
		panic("no return value specified for ListContacts")
	}

	var r0 *hubspot.ListResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, int, []string) (*hubspot.ListResponse, error)); ok {
		return rf(ctx, after, limit, properties)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*hubspot.ListResponse)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// UpdateContact provides a mock function with given fields: ctx, id, properties
func (_m *MockClient) UpdateContact(ctx context.Context, id string, properties map[string]string) (*hubspot.Object, error) {
	ret := _m.Called(ctx, id, properties)

	if len(ret) == 0 {
		panic("no return value specified for UpdateContact")
	}

	var r0 *hubspot.Object
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, map[string]string) (*hubspot.Object, error)); ok {
		return rf(ctx, id, properties)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*hubspot.Object)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// MergeContacts provides a mock function with given fields: ctx, primaryID, mergeID
func (_m *MockClient) MergeContacts(ctx context.Context, primaryID string, mergeID string) (*hubspot.Object, error) {
	ret := _m.Called(ctx, primaryID, mergeID)

	if len(ret) == 0 {
		panic("no return value specified for MergeContacts")
	}

	var r0 *hubspot.Object
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string) (*hubspot.Object, error)); ok {
		return rf(ctx, primaryID, mergeID)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*hubspot.Object)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
