// Package mocks provides test doubles for the crm client.
package mocks

import (
	"context"

	crm "github.com/sells-group/dedupe-cli/internal/crm"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// FetchContacts provides a mock function with given fields: ctx, tenantID, cursor
func (_m *MockClient) FetchContacts(ctx context.Context, tenantID string, cursor string) (*crm.Page, error) {
	ret := _m.Called(ctx, tenantID, cursor)

	if len(ret) == 0 {
		panic("no return value specified for FetchContacts")
	}

	var r0 *crm.Page
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string) (*crm.Page, error)); ok {
		return rf(ctx, tenantID, cursor)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*crm.Page)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// UpdateContact provides a mock function with given fields: ctx, tenantID, externalID, fields
func (_m *MockClient) UpdateContact(ctx context.Context, tenantID string, externalID string, fields map[string]string) (string, error) {
	ret := _m.Called(ctx, tenantID, externalID, fields)

	if len(ret) == 0 {
		panic("no return value specified for UpdateContact")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, string, map[string]string) (string, error)); ok {
		return rf(ctx, tenantID, externalID, fields)
	}
	return ret.String(0), ret.Error(1)
}

// DeleteOrMergeContact provides a mock function with given fields: ctx, tenantID, externalID, intoExternalID
func (_m *MockClient) DeleteOrMergeContact(ctx context.Context, tenantID string, externalID string, intoExternalID string) error {
	ret := _m.Called(ctx, tenantID, externalID, intoExternalID)

	if len(ret) == 0 {
		panic("no return value specified for DeleteOrMergeContact")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, string, string) error); ok {
		return rf(ctx, tenantID, externalID, intoExternalID)
	}
	return ret.Error(0)
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
