package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-go/web/midware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type server struct {
	// guards manager, which is not safe for concurrent use
	m       sync.Mutex
	manager *experiments.Manager
	log     *zap.Logger
}

func newServer(manager *experiments.Manager, log *zap.Logger) *server {
	return &server{manager: manager, log: log}
}

func (s *server) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	r.HandleFunc("/api/sessions/previous", s.handleDeletePrevious).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/best", s.handleBest).Methods("GET")
	r.HandleFunc("/api/top-params", s.handleTopParams).Methods("GET")
	return midware.Wrap(r, s.log)
}

type statusResponse struct {
	MainMetric string `json:"main_metric"`
	IsLoss     bool   `json:"is_loss"`
	State      string `json:"state"`
	Session    string `json:"session"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreationTime time.Time `json:"creation_time"`
	Initial      bool      `json:"initial"`
}

type bestResponse struct {
	RunID    string            `json:"run_id"`
	Name     string            `json:"name"`
	Quality  float64           `json:"quality"`
	Params   map[string]string `json:"params"`
	ModelURI string            `json:"model_uri"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	resp := statusResponse{
		MainMetric: s.manager.MainMetric(),
		IsLoss:     s.manager.IsLoss(),
		State:      s.manager.State().String(),
		Session:    s.manager.SessionName(),
	}
	s.m.Unlock()

	writeJSON(w, resp)
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	sessions, err := s.manager.ListSessions(r.Context())
	s.m.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, exp := range sessions {
		resp = append(resp, sessionResponse{
			ID:           exp.ID,
			Name:         exp.Name,
			CreationTime: exp.CreationTime,
			Initial:      exp.Name == experiments.InitialExperimentName,
		})
	}
	writeJSON(w, resp)
}

func (s *server) handleBest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.m.Lock()
	run, found, err := s.manager.BestRun(r.Context(), id)
	s.m.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, fmt.Sprintf("no uploaded model in session '%s'", id), http.StatusNotFound)
		return
	}

	quality, _ := run.Metric(s.manager.MainMetric())
	writeJSON(w, bestResponse{
		RunID:    run.ID,
		Name:     run.Name,
		Quality:  quality,
		Params:   run.Params,
		ModelURI: run.Tags[experiments.TagModelURI],
	})
}

func (s *server) handleTopParams(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	top, err := s.manager.GetTopParams(r.Context())
	s.m.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]map[string]string, 0, len(top))
	for _, params := range top {
		resp = append(resp, params.Map())
	}
	writeJSON(w, resp)
}

func (s *server) handleDeletePrevious(w http.ResponseWriter, r *http.Request) {
	s.m.Lock()
	defer s.m.Unlock()

	prev, err := s.manager.PreviousSessionID(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if prev == "" {
		writeJSON(w, messageResponse{Message: "no previous session to delete"})
		return
	}
	if err := s.manager.DeletePreviousSession(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, messageResponse{Message: fmt.Sprintf("session '%s' deleted", prev)})
}

// --

func writeJSON(w http.ResponseWriter, obj interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	buf, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	_, err = w.Write(buf)
	return err
}
