// Package mlflow implements experiments.Tracker over the MLflow tracking server REST API.
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

const (
	apiPrefix = "/api/2.0/mlflow"
	pageSize  = 1000

	codeDoesNotExist = "RESOURCE_DOES_NOT_EXIST"
	stageDeleted     = "deleted"
	tagRunName       = "mlflow.runName"
)

// APIError is a non-200 response of the tracking server.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to a tracking server. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	now      func() time.Time
}

var _ experiments.Tracker = (*Client)(nil)

// New creates a client for the server at trackingURI; every request is bounded by timeout.
func New(trackingURI string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(trackingURI)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid tracking uri %s", trackingURI)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("tracking uri %s must be http or https", trackingURI)
	}
	return &Client{
		endpoint: strings.TrimSuffix(u.String(), "/"),
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

func (c *Client) url(method string, query url.Values) string {
	u := c.endpoint + apiPrefix + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(req *http.Request, method string, toLoad interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "error calling %s", method)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "error reading response of %s", method)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = string(body)
		}
		if apiErr.Code == codeDoesNotExist {
			return errors.Wrapf(experiments.ErrNotFound, "%s: %s", method, apiErr.Message)
		}
		return errors.Wrapf(apiErr, "error calling %s", method)
	}

	if toLoad == nil {
		return nil
	}
	if err := json.Unmarshal(body, toLoad); err != nil {
		return errors.Wrapf(err, "error decoding response of %s", method)
	}
	return nil
}

func (c *Client) get(ctx context.Context, method string, query url.Values, toLoad interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(method, query), nil)
	if err != nil {
		return errors.Wrapf(err, "unable to build request for %s", method)
	}
	return c.do(req, method, toLoad)
}

func (c *Client) post(ctx context.Context, method string, payload, toLoad interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return errors.Wrapf(err, "unable to encode request for %s", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(method, nil), &buf)
	if err != nil {
		return errors.Wrapf(err, "unable to build request for %s", method)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, toLoad)
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// GetExperimentByName implements experiments.Tracker. Deleted experiments are not found.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (experiments.Experiment, bool, error) {
	var resp struct {
		Experiment experiment `json:"experiment"`
	}
	err := c.get(ctx, "/experiments/get-by-name", url.Values{"experiment_name": {name}}, &resp)
	if errors.Is(err, experiments.ErrNotFound) {
		return experiments.Experiment{}, false, nil
	}
	if err != nil {
		return experiments.Experiment{}, false, err
	}
	if resp.Experiment.LifecycleStage == stageDeleted {
		return experiments.Experiment{}, false, nil
	}
	return resp.Experiment.experiment(), true, nil
}

// CreateExperiment implements experiments.Tracker.
func (c *Client) CreateExperiment(ctx context.Context, name string) (string, error) {
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.post(ctx, "/experiments/create", map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

// ListExperiments implements experiments.Tracker, listing active experiments only.
func (c *Client) ListExperiments(ctx context.Context) ([]experiments.Experiment, error) {
	var exps []experiments.Experiment
	var token string
	for {
		req := searchExperimentsRequest{MaxResults: pageSize, PageToken: token, ViewType: "ACTIVE_ONLY"}
		var resp searchExperimentsResponse
		if err := c.post(ctx, "/experiments/search", req, &resp); err != nil {
			return nil, err
		}
		for _, exp := range resp.Experiments {
			exps = append(exps, exp.experiment())
		}
		if resp.NextPageToken == "" {
			return exps, nil
		}
		token = resp.NextPageToken
	}
}

// DeleteExperiment implements experiments.Tracker.
func (c *Client) DeleteExperiment(ctx context.Context, id string) error {
	return c.post(ctx, "/experiments/delete", map[string]string{"experiment_id": id}, nil)
}

// GetRunByName implements experiments.Tracker.
func (c *Client) GetRunByName(ctx context.Context, experimentID, name string) (experiments.Run, bool, error) {
	runs, err := c.search(ctx, []string{experimentID}, fmt.Sprintf("tags.`%s` = %s", tagRunName, quote(name)))
	if err != nil {
		return experiments.Run{}, false, err
	}
	if len(runs) == 0 {
		return experiments.Run{}, false, nil
	}
	return runs[0], true, nil
}

// GetRun implements experiments.Tracker.
func (c *Client) GetRun(ctx context.Context, runID string) (experiments.Run, error) {
	var resp struct {
		Run run `json:"run"`
	}
	if err := c.get(ctx, "/runs/get", url.Values{"run_id": {runID}}, &resp); err != nil {
		return experiments.Run{}, err
	}
	return resp.Run.run(), nil
}

// CreateRun implements experiments.Tracker.
func (c *Client) CreateRun(ctx context.Context, experimentID, name string) (experiments.Run, error) {
	req := createRunRequest{
		ExperimentID: experimentID,
		RunName:      name,
		StartTime:    millis(c.now()),
		Tags:         []keyValue{{Key: tagRunName, Value: name}},
	}
	var resp struct {
		Run run `json:"run"`
	}
	if err := c.post(ctx, "/runs/create", req, &resp); err != nil {
		return experiments.Run{}, err
	}
	return resp.Run.run(), nil
}

// SetRunStatus implements experiments.Tracker.
func (c *Client) SetRunStatus(ctx context.Context, runID string, status experiments.RunStatus) error {
	req := updateRunRequest{RunID: runID, Status: string(status)}
	if status.Terminal() {
		req.EndTime = millis(c.now())
	}
	return c.post(ctx, "/runs/update", req, nil)
}

// LogParam implements experiments.Tracker.
func (c *Client) LogParam(ctx context.Context, runID, key, value string) error {
	return c.post(ctx, "/runs/log-parameter", map[string]string{"run_id": runID, "key": key, "value": value}, nil)
}

// LogMetric implements experiments.Tracker.
func (c *Client) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	req := logMetricRequest{RunID: runID, Key: key, Value: value, Timestamp: millis(c.now()), Step: step}
	return c.post(ctx, "/runs/log-metric", req, nil)
}

// SetTag implements experiments.Tracker.
func (c *Client) SetTag(ctx context.Context, runID, key, value string) error {
	return c.post(ctx, "/runs/set-tag", map[string]string{"run_id": runID, "key": key, "value": value}, nil)
}

// SearchRuns implements experiments.Tracker. Params are filtered by the server, statuses by the
// client.
func (c *Client) SearchRuns(ctx context.Context, experimentIDs []string, filter experiments.RunFilter) ([]experiments.Run, error) {
	runs, err := c.search(ctx, experimentIDs, paramsFilter(filter.Params))
	if err != nil {
		return nil, err
	}

	var matched []experiments.Run
	for _, r := range runs {
		if filter.Match(r) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (c *Client) search(ctx context.Context, experimentIDs []string, filter string) ([]experiments.Run, error) {
	var runs []experiments.Run
	var token string
	for {
		req := searchRunsRequest{
			ExperimentIDs: experimentIDs,
			Filter:        filter,
			RunViewType:   "ACTIVE_ONLY",
			MaxResults:    pageSize,
			OrderBy:       []string{"attributes.start_time ASC"},
			PageToken:     token,
		}
		var resp searchRunsResponse
		if err := c.post(ctx, "/runs/search", req, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Runs {
			runs = append(runs, r.run())
		}
		if resp.NextPageToken == "" {
			return runs, nil
		}
		token = resp.NextPageToken
	}
}
