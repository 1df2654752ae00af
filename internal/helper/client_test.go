package helper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
)

func testTask(url string) *dap.Task {
	return &dap.Task{ID: "task-1", HelperURL: url, AuthToken: []byte("tok")}
}

func TestClient_InitAggregationJob_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req AggregationJobInitReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.PrepareInits, 1)

		resp := AggregationJobResp{PrepareResps: []PrepareResp{
			{ReportID: req.PrepareInits[0].ReportShare.ReportID, Kind: PrepareStepFinished},
		}}
		w.WriteHeader(http.StatusOK)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := New()
	resp, err := c.InitAggregationJob(context.Background(), testTask(srv.URL), "job-1", &AggregationJobInitReq{
		PrepareInits: []PrepareInit{{ReportShare: ReportShare{ReportID: "r1"}, Message: []byte("m")}},
	})
	require.NoError(t, err)
	require.Len(t, resp.PrepareResps, 1)
	require.Equal(t, PrepareStepFinished, resp.PrepareResps[0].Kind)
}

func TestClient_InitAggregationJob_RejectsOnInvalidMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		resp := AggregationJobResp{PrepareResps: []PrepareResp{
			{ReportID: "r1", Kind: PrepareStepReject, PrepareError: string(dap.PrepareErrorInvalidMessage)},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := New()
	resp, err := c.InitAggregationJob(context.Background(), testTask(srv.URL), "job-1", &AggregationJobInitReq{
		PrepareInits: []PrepareInit{{ReportShare: ReportShare{ReportID: "r1"}}},
	})
	require.NoError(t, err)
	require.Equal(t, PrepareStepReject, resp.PrepareResps[0].Kind)
	require.Equal(t, string(dap.PrepareErrorInvalidMessage), resp.PrepareResps[0].PrepareError)
}

func TestClient_InitAggregationJob_NonRetryableStatusFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(dap.Problem{Type: "urn:ietf:params:ppm:dap:error:unrecognizedTask", Title: "unknown task"})
	}))
	defer srv.Close()

	c := New(WithMaxRetries(3))
	_, err := c.InitAggregationJob(context.Background(), testTask(srv.URL), "job-1", &AggregationJobInitReq{})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestClient_AbandonAggregationJob_IgnoresFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	c.AbandonAggregationJob(context.Background(), testTask(srv.URL), "job-1") // must not panic
}
