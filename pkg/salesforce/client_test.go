package salesforce

import (
	"context"
)

// mockClient is a hand-rolled Client for helper tests.
type mockClient struct {
	queryFn     func(ctx context.Context, soql string, out any) error
	updateOneFn func(ctx context.Context, sObjectName string, id string, fields map[string]any) error
	deleteOneFn func(ctx context.Context, sObjectName string, id string) error
}

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	if m.queryFn != nil {
		return m.queryFn(ctx, soql, out)
	}
	return nil
}

func (m *mockClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	if m.updateOneFn != nil {
		return m.updateOneFn(ctx, sObjectName, id, fields)
	}
	return nil
}

func (m *mockClient) DeleteOne(ctx context.Context, sObjectName string, id string) error {
	if m.deleteOneFn != nil {
		return m.deleteOneFn(ctx, sObjectName, id)
	}
	return nil
}
