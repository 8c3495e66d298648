// Package runs exposes optimization runs over HTTP.
package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"Dynaopt/internal/jobs"
	"Dynaopt/internal/optimize"
	"Dynaopt/internal/report"
	"Dynaopt/internal/repo"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxUpload = 10 << 20

type Submitter interface {
	Submit(ctx context.Context, cfg optimize.Config) (string, error)
	SubmitAll(ctx context.Context, cfgs []optimize.Config) ([]string, error)
	Cancel(ctx context.Context, id string) error
	Abort(id string) bool
}

type Handler struct {
	Jobs Submitter
	Repo repo.Repository
	// Defaults fill whatever a request leaves out.
	Defaults optimize.Config
	Log      *zap.Logger
}

type SubmitResult struct {
	IDs []string `json:"ids"`
}

type CancelResult struct {
	ID      string `json:"id"`
	Aborted bool   `json:"aborted"`
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/runs", h.Create).Methods("POST")
	r.HandleFunc("/runs", h.List).Methods("GET")
	r.HandleFunc("/runs/sweep", h.Sweep).Methods("POST")
	r.HandleFunc("/runs/{id}", h.Get).Methods("GET")
	r.HandleFunc("/runs/{id}/cancel", h.Cancel).Methods("POST")
	r.HandleFunc("/runs/{id}/report.pdf", h.ReportPDF).Methods("GET")
	r.HandleFunc("/runs/{id}/history.xlsx", h.HistoryXLSX).Methods("GET")
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	cfg := h.Defaults
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	id, err := h.Jobs.Submit(r.Context(), cfg)
	if err != nil {
		h.submitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResult{IDs: []string{id}})
}

// Sweep starts one run per row of an uploaded XLSX sheet. The mesh_path and
// solver_path form fields override the defaults for every row.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "File required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	base := h.Defaults
	if v := r.FormValue("mesh_path"); v != "" {
		base.MeshPath = v
	}
	if v := r.FormValue("solver_path"); v != "" {
		base.SolverPath = v
	}
	cfgs, err := report.ReadSweep(file, base)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid sweep: %v", err), http.StatusBadRequest)
		return
	}
	ids, err := h.Jobs.SubmitAll(r.Context(), cfgs)
	if err != nil {
		h.submitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResult{IDs: ids})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.Repo.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger().Error("list runs", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []repo.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Cancel stops the run before its next solver invocation. With ?abort=1 the
// running solver is killed as well.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Jobs.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.logger().Error("cancel run", zap.String("run", id), zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	res := CancelResult{ID: id}
	if abort, _ := strconv.ParseBool(r.URL.Query().Get("abort")); abort {
		res.Aborted = h.Jobs.Abort(id)
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) ReportPDF(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WritePDF(&buf, run); err != nil {
		h.logger().Error("render pdf", zap.String("run", run.ID), zap.Error(err))
		http.Error(w, "Report generation error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"run-%s.pdf\"", run.ID))
	w.Write(buf.Bytes())
}

func (h *Handler) HistoryXLSX(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, run); err != nil {
		h.logger().Error("render xlsx", zap.String("run", run.ID), zap.Error(err))
		http.Error(w, "Export error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"run-%s.xlsx\"", run.ID))
	w.Write(buf.Bytes())
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (repo.Run, bool) {
	id := mux.Vars(r)["id"]
	run, err := h.Repo.GetRun(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return run, false
	}
	if err != nil {
		h.logger().Error("get run", zap.String("run", id), zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return run, false
	}
	return run, true
}

func (h *Handler) submitError(w http.ResponseWriter, err error) {
	if errors.Is(err, optimize.ErrInvalidConfig) || errors.Is(err, jobs.ErrNoItems) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger().Error("submit run", zap.Error(err))
	http.Error(w, "Could not start run", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
