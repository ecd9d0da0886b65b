package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/runs", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("company_id"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"runs":[{"run_id":"r1","status":"completed","email_message_id":"<m1@mail>",
			"subject":"Laptop broken","sender":"a@acme.io","servicenow_ticket_id":"INC0010001",
			"started_at":"2024-05-01T09:30:00Z","steps":[{"name":"classify","ok":true}]}],"total":1}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, nil)
	runs, err := c.RecentRuns(context.Background(), "c1", 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "INC0010001", runs[0].ServiceNowTicketID)
	assert.JSONEq(t, `[{"name":"classify","ok":true}]`, string(runs[0].Steps))
	require.NotNil(t, runs[0].StartedAt)
}

func TestRecentRuns_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"gmail quota exceeded"}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 1, RetryDelay: time.Millisecond}, nil)
	_, err := c.RecentRuns(context.Background(), "c1", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gmail quota exceeded")
}
