package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSFClient creates an sfClient backed by an httptest server.
func newTestSFClient(t *testing.T, handler http.Handler, opts ...ClientOption) Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	return NewClient(sf, opts...)
}

func TestSFClient_QueryContacts(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/query")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalSize": 1,
			"done":      true,
			"records": []map[string]any{{
				"attributes": map[string]any{"type": "Contact"},
				"Id":         "003xx",
				"Email":      "jane@acme.com",
				"FirstName":  "Jane",
			}},
		})
	}))

	got, err := ListContacts(context.Background(), client, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "003xx", got[0].ID)
	assert.Equal(t, "jane@acme.com", got[0].Email)
}

func TestSFClient_UpdateOne(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	fields := map[string]any{"Phone": "555-0100"}
	require.NoError(t, client.UpdateOne(context.Background(), "Contact", "003xx", fields))
	assert.NotContains(t, fields, "Id")
}

func TestSFClient_UpdateOne_Error(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid field", "errorCode": "INVALID_FIELD"},
		})
	}))

	err := client.UpdateOne(context.Background(), "Contact", "003xx", map[string]any{"Bogus": "x"})
	assert.ErrorContains(t, err, "sf: update Contact 003xx")
}

func TestSFClient_DeleteOne(t *testing.T) {
	var method string
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.DeleteOne(context.Background(), "Contact", "003xx"))
	assert.Equal(t, http.MethodDelete, method)
}

func TestSFClient_RateLimitHonorsContext(t *testing.T) {
	client := newTestSFClient(t, http.NotFoundHandler(), WithRateLimit(0.001))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// The first token is available immediately; the second wait cannot finish.
	_ = client.DeleteOne(ctx, "Contact", "003a")
	err := client.DeleteOne(ctx, "Contact", "003b")
	assert.ErrorContains(t, err, "sf: rate limit")
}
