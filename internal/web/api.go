package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/mars/internal/runs"
	"github.com/mtzanidakis/mars/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Strategies learned across runs
	mux.HandleFunc("GET /api/strategies", s.listStrategies)

	mux.HandleFunc("GET /api/optimizers", s.listOptimizers)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.Run{}
	}
	jsonResponse(w, list)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := s.runs.Start(body.Query)
	if errors.Is(err, runs.ErrEmptyQuery) {
		jsonError(w, "query is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Location", "/api/runs/"+run.ID)
	jsonStatus(w, run, http.StatusAccepted)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runs.Cancel(id); err != nil {
		if errors.Is(err, runs.ErrNotRunning) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelling"})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	if run.Status == store.StatusRunning {
		jsonError(w, "run is in progress, cancel it first", http.StatusConflict)
		return
	}
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.store.LoadStrategies(r.Context(), 0)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, map[string]any{
			"id":           st.ID,
			"description":  st.Description,
			"techniques":   st.Techniques,
			"success_rate": st.SuccessRate,
			"uses":         st.Uses,
			"agent_id":     st.AgentID,
			"updated":      formatTime(st.UpdatedAt),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listOptimizers(w http.ResponseWriter, r *http.Request) {
	out := []map[string]string{}
	if s.registry != nil {
		for _, name := range s.registry.Names() {
			o, err := s.registry.Get(name)
			if err != nil {
				continue
			}
			out = append(out, map[string]string{"name": name, "description": o.Description()})
		}
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, _ := s.store.CountRuns()
	if counts == nil {
		counts = map[string]int{}
	}

	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = "ok"
		if s.nats == nil {
			natsStatus = "disconnected"
		}
	}

	cfg := s.runs.Config()
	status := map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"active_runs": len(s.runs.Active()),
		"runs":        counts,
		"ws_clients":  s.hub.Len(),
		"nats":        natsStatus,
		"mars": map[string]any{
			"agents":           cfg.AgentCount,
			"max_iterations":   cfg.MaxIterations,
			"aggregation":      cfg.EnableAggregation,
			"strategy_network": cfg.EnableStrategyNetwork,
			"lightweight":      cfg.Lightweight,
		},
	}

	jsonResponse(w, status)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func formatTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, data, http.StatusOK)
}

func jsonStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, map[string]string{"error": msg}, code)
}
