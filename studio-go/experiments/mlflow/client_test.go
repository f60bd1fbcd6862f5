package mlflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", time.Second)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1600000000, 0) }
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewValidatesURI(t *testing.T) {
	_, err := New("localhost:5000", time.Second)
	assert.Error(t, err)

	c, err := New("http://localhost:5000/", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/api/2.0/mlflow/runs/get", c.url("/runs/get", nil))
}

func TestGetExperimentByName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/2.0/mlflow/experiments/get-by-name", r.URL.Path)
		switch name := r.URL.Query().Get("experiment_name"); name {
		case "present":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"experiment": map[string]interface{}{
					"experiment_id":   "7",
					"name":            name,
					"lifecycle_stage": "active",
					"creation_time":   1600000000000,
				},
			})
		case "deleted":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"experiment": map[string]interface{}{"experiment_id": "8", "name": name, "lifecycle_stage": "deleted"},
			})
		default:
			writeJSON(t, w, http.StatusNotFound, map[string]string{
				"error_code": "RESOURCE_DOES_NOT_EXIST",
				"message":    "no experiment",
			})
		}
	})
	ctx := context.Background()

	exp, found, err := c.GetExperimentByName(ctx, "present")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "7", exp.ID)
	assert.Equal(t, time.Unix(1600000000, 0).UTC(), exp.CreationTime)

	_, found, err = c.GetExperimentByName(ctx, "deleted")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = c.GetExperimentByName(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/2.0/mlflow/runs/get":
			writeJSON(t, w, http.StatusNotFound, map[string]string{"error_code": "RESOURCE_DOES_NOT_EXIST"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	})
	ctx := context.Background()

	_, err := c.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, experiments.ErrNotFound))

	err = c.SetTag(ctx, "run", "k", "v")
	require.Error(t, err)
	apiErr, ok := errors.Cause(err).(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestCreateRunAndUpdate(t *testing.T) {
	var updates []updateRunRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/2.0/mlflow/runs/create":
			var req createRunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "1", req.ExperimentID)
			assert.Equal(t, int64(1600000000000), req.StartTime)
			assert.Equal(t, []keyValue{{Key: "mlflow.runName", Value: "run"}}, req.Tags)
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"run": run{
					Info: runInfo{RunID: "abc", ExperimentID: "1", Status: "RUNNING", StartTime: req.StartTime},
					Data: runData{Tags: req.Tags},
				},
			})
		case "/api/2.0/mlflow/runs/update":
			var req updateRunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			updates = append(updates, req)
			writeJSON(t, w, http.StatusOK, map[string]interface{}{})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	created, err := c.CreateRun(ctx, "1", "run")
	require.NoError(t, err)
	assert.Equal(t, "abc", created.ID)
	assert.Equal(t, "run", created.Name)
	assert.Equal(t, experiments.RunStatusRunning, created.Status)

	require.NoError(t, c.SetRunStatus(ctx, "abc", experiments.RunStatusRunning))
	require.NoError(t, c.SetRunStatus(ctx, "abc", experiments.RunStatusFinished))
	require.Len(t, updates, 2)
	assert.Zero(t, updates[0].EndTime)
	assert.Equal(t, "FINISHED", updates[1].Status)
	assert.Equal(t, int64(1600000000000), updates[1].EndTime)
}

func TestSearchRunsPagesAndFilters(t *testing.T) {
	var requests []searchRunsRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/2.0/mlflow/runs/search", r.URL.Path)
		var req searchRunsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		if req.PageToken == "" {
			writeJSON(t, w, http.StatusOK, searchRunsResponse{
				Runs: []run{
					{Info: runInfo{RunID: "1", Status: "FINISHED"}, Data: runData{
						Params:  []keyValue{{Key: "model_uploaded", Value: "1"}},
						Metrics: []metric{{Key: "quality", Value: 0.5, Step: 4}},
					}},
					{Info: runInfo{RunID: "2", Status: "FAILED"}, Data: runData{
						Params: []keyValue{{Key: "model_uploaded", Value: "1"}},
					}},
				},
				NextPageToken: "next",
			})
			return
		}
		writeJSON(t, w, http.StatusOK, searchRunsResponse{
			Runs: []run{{Info: runInfo{RunID: "3", Status: "FINISHED"}, Data: runData{
				Params: []keyValue{{Key: "model_uploaded", Value: "1"}},
			}}},
		})
	})

	runs, err := c.SearchRuns(context.Background(), []string{"5"}, experiments.RunFilter{
		Params:   map[string]string{"model_uploaded": "1", "session_id": "s"},
		Statuses: []experiments.RunStatus{experiments.RunStatusFinished},
	})
	require.NoError(t, err)
	// the fake server ignores session_id, the client only filters statuses
	require.Len(t, runs, 0)

	require.Len(t, requests, 2)
	assert.Equal(t, "params.`model_uploaded` = '1' and params.`session_id` = 's'", requests[0].Filter)
	assert.Equal(t, []string{"5"}, requests[0].ExperimentIDs)
	assert.Equal(t, []string{"attributes.start_time ASC"}, requests[0].OrderBy)
	assert.Equal(t, "next", requests[1].PageToken)

	requests = nil
	runs, err = c.SearchRuns(context.Background(), []string{"5"}, experiments.RunFilter{
		Params:   map[string]string{"model_uploaded": "1"},
		Statuses: []experiments.RunStatus{experiments.RunStatusFinished},
	})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "1", runs[0].ID)
	assert.Equal(t, 0.5, runs[0].Metrics["quality"])
	assert.EqualValues(t, 4, runs[0].MetricSteps["quality"])
	assert.Equal(t, "3", runs[1].ID)
}

func TestGetRunByName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchRunsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Filter != "tags.`mlflow.runName` = 'present'" {
			writeJSON(t, w, http.StatusOK, searchRunsResponse{})
			return
		}
		writeJSON(t, w, http.StatusOK, searchRunsResponse{
			Runs: []run{{Info: runInfo{RunID: "9", RunName: "present", Status: "KILLED"}}},
		})
	})
	ctx := context.Background()

	r, found, err := c.GetRunByName(ctx, "1", "present")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "9", r.ID)
	assert.Equal(t, experiments.RunStatusKilled, r.Status)

	_, found, err = c.GetRunByName(ctx, "1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListExperimentsPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchExperimentsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ACTIVE_ONLY", req.ViewType)
		if req.PageToken == "" {
			writeJSON(t, w, http.StatusOK, searchExperimentsResponse{
				Experiments:   []experiment{{ExperimentID: "1", Name: "a"}},
				NextPageToken: "p2",
			})
			return
		}
		writeJSON(t, w, http.StatusOK, searchExperimentsResponse{
			Experiments: []experiment{{ExperimentID: "2", Name: "b"}},
		})
	})

	exps, err := c.ListExperiments(context.Background())
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, "a", exps[0].Name)
	assert.Equal(t, "b", exps[1].Name)
}
