package mlflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
)

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type experiment struct {
	ExperimentID   string `json:"experiment_id"`
	Name           string `json:"name"`
	LifecycleStage string `json:"lifecycle_stage"`
	CreationTime   int64  `json:"creation_time"`
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}

func (e experiment) experiment() experiments.Experiment {
	return experiments.Experiment{
		ID:           e.ExperimentID,
		Name:         e.Name,
		CreationTime: fromMillis(e.CreationTime),
	}
}

type runInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type runData struct {
	Metrics []metric   `json:"metrics"`
	Params  []keyValue `json:"params"`
	Tags    []keyValue `json:"tags"`
}

type run struct {
	Info runInfo `json:"info"`
	Data runData `json:"data"`
}

func (r run) run() experiments.Run {
	out := experiments.Run{
		ID:           r.Info.RunID,
		ExperimentID: r.Info.ExperimentID,
		Name:         r.Info.RunName,
		Status:       experiments.RunStatus(r.Info.Status),
		StartTime:    fromMillis(r.Info.StartTime),
		EndTime:      fromMillis(r.Info.EndTime),
		Params:       make(map[string]string, len(r.Data.Params)),
		Metrics:      make(map[string]float64, len(r.Data.Metrics)),
		MetricSteps:  make(map[string]int64, len(r.Data.Metrics)),
		Tags:         make(map[string]string, len(r.Data.Tags)),
	}
	for _, p := range r.Data.Params {
		out.Params[p.Key] = p.Value
	}
	for _, m := range r.Data.Metrics {
		out.Metrics[m.Key] = m.Value
		out.MetricSteps[m.Key] = m.Step
	}
	for _, t := range r.Data.Tags {
		out.Tags[t.Key] = t.Value
	}
	if out.Name == "" {
		out.Name = out.Tags[tagRunName]
	}
	return out
}

type searchExperimentsRequest struct {
	MaxResults int    `json:"max_results"`
	PageToken  string `json:"page_token,omitempty"`
	ViewType   string `json:"view_type"`
}

type searchExperimentsResponse struct {
	Experiments   []experiment `json:"experiments"`
	NextPageToken string       `json:"next_page_token"`
}

type createRunRequest struct {
	ExperimentID string     `json:"experiment_id"`
	RunName      string     `json:"run_name"`
	StartTime    int64      `json:"start_time"`
	Tags         []keyValue `json:"tags"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time,omitempty"`
}

type logMetricRequest struct {
	RunID     string  `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type searchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	Filter        string   `json:"filter,omitempty"`
	RunViewType   string   `json:"run_view_type"`
	MaxResults    int      `json:"max_results"`
	OrderBy       []string `json:"order_by"`
	PageToken     string   `json:"page_token,omitempty"`
}

type searchRunsResponse struct {
	Runs          []run  `json:"runs"`
	NextPageToken string `json:"next_page_token"`
}

// quote renders s as a filter string literal.
func quote(s string) string {
	return "'" + strings.Replace(s, "'", `\'`, -1) + "'"
}

// paramsFilter renders equality conditions on params, in key order.
func paramsFilter(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		conds = append(conds, fmt.Sprintf("params.`%s` = %s", k, quote(params[k])))
	}
	return strings.Join(conds, " and ")
}
