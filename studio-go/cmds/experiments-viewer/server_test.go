package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments/localdb"
	"github.com/embeddingstudio/embeddingstudio/studio-go/metrics"
	"github.com/embeddingstudio/embeddingstudio/studio-go/modelstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const mainMetric = "test_not_irrelevant_dist_shift"

type rawModel []byte

func (m rawModel) MarshalBinary() ([]byte, error) { return m, nil }

func newTestServer(t *testing.T) (*httptest.Server, *experiments.Manager) {
	db, err := localdb.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := experiments.NewManager(db, modelstore.NewFsStore(afero.NewMemMapFs(), "/models"), experiments.Options{
		MainMetric:   mainMetric,
		Accumulators: []*metrics.Accumulator{metrics.NewAccumulator(mainMetric)},
	})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))

	srv := httptest.NewServer(newServer(m, zap.NewNop()).handler())
	t.Cleanup(srv.Close)
	return srv, m
}

// runSession records one uploaded run per quality in a new session.
func runSession(t *testing.T, m *experiments.Manager, id string, qualities ...float64) string {
	ctx := context.Background()
	require.NoError(t, m.SetSession(ctx, experiments.FineTuningSession{ID: id}))
	sessionID := m.SessionID()
	for i, q := range qualities {
		params := experiments.DefaultParams()
		params.Margin = float64(i + 1)
		require.NoError(t, m.SetRun(ctx, params))
		require.NoError(t, m.SaveMetric(ctx, metrics.MetricValue{Name: mainMetric, Value: q}))
		_, err := m.SaveModel(ctx, rawModel("model"), false)
		require.NoError(t, err)
		require.NoError(t, m.FinishRun(ctx))
	}
	require.NoError(t, m.FinishSession(ctx))
	return sessionID
}

func getJSON(t *testing.T, url string, into interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	var status statusResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.Equal(t, mainMetric, status.MainMetric)
	assert.False(t, status.IsLoss)
	assert.Equal(t, "in session", status.State)
	assert.Equal(t, experiments.InitialExperimentName, status.Session)
}

func TestSessionsAndBest(t *testing.T) {
	srv, m := newTestServer(t)
	s1 := runSession(t, m, "s1", 0.4, 0.7, 0.5)
	empty := runSession(t, m, "s2")

	var sessions []sessionResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions", &sessions))
	require.Len(t, sessions, 3)
	assert.True(t, sessions[0].Initial)
	assert.Equal(t, s1, sessions[1].ID)

	var best bestResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/"+s1+"/best", &best))
	assert.Equal(t, 0.7, best.Quality)
	assert.Equal(t, "2", best.Params[experiments.KeyMargin])
	assert.Contains(t, best.ModelURI, "file:///models/"+s1)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/sessions/"+empty+"/best", nil))
}

func TestTopParams(t *testing.T) {
	srv, m := newTestServer(t)

	var top []map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/top-params", &top))
	assert.Empty(t, top)

	runSession(t, m, "s1", 0.4, 0.7)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/top-params", &top))
	require.Len(t, top, 2)
	assert.Equal(t, "2", top[0][experiments.KeyMargin])
	assert.Equal(t, "1", top[1][experiments.KeyMargin])
}

func TestDeletePrevious(t *testing.T) {
	srv, m := newTestServer(t)
	runSession(t, m, "s1", 0.4)

	del := func() messageResponse {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/previous", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var msg messageResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
		return msg
	}

	assert.Contains(t, del().Message, "deleted")
	assert.Equal(t, "no previous session to delete", del().Message)

	var sessions []sessionResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions", &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Initial)
}
