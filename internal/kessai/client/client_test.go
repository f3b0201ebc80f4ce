package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Treynis/ejbca/common/retry"
	"github.com/Treynis/ejbca/internal/kessai/api"
	"github.com/Treynis/ejbca/internal/kessai/client"
)

var fast = client.WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := client.New("not a url", "t")
	assert.Error(t, err)
}

func TestListCases_SendsFilterAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/cases", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "3", r.URL.Query().Get("ca"))
		json.NewEncoder(w).Encode([]api.CaseView{{ID: "abc", Status: "pending"}})
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, "tok")
	require.NoError(t, err)
	cases, err := c.ListCases(context.Background(), client.ListOptions{Status: "pending", CAID: 3})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "abc", cases[0].ID)
}

func TestGet_RetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(api.CaseView{ID: "abc"})
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, "tok", fast)
	require.NoError(t, err)
	got, err := c.GetCase(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_DoesNotRetryServiceAnswers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "message": "case abc: approval request not found"})
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, "tok", fast)
	require.NoError(t, err)
	_, err = c.GetCase(context.Background(), "abc")

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestApprove_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, "tok", fast)
	require.NoError(t, err)
	_, err = c.Approve(context.Background(), "abc", api.VoteRequest{StepID: 1, PartitionID: 1})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestApprove_SendsVote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/cases/abc/approve", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var v api.VoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
		assert.Equal(t, api.VoteRequest{StepID: 2, PartitionID: 1, Comment: "ok"}, v)
		json.NewEncoder(w).Encode(api.VoteResponse{Resolved: true, Case: api.CaseView{ID: "abc", Status: "executed"}})
	}))
	defer srv.Close()

	c, err := client.New(srv.URL+"/", "tok")
	require.NoError(t, err)
	res, err := c.Approve(context.Background(), "abc", api.VoteRequest{StepID: 2, PartitionID: 1, Comment: "ok"})
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "executed", res.Case.Status)
}
