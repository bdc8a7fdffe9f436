package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

// taskRequest is the wire shape for /task/add and /task/update. Interval is
// a convenience on top of the canonical Seconds/Minutes/Hours fields: when
// set, it is parsed once at request time and split into whichever of the
// three buckets the duration divides evenly into, largest first. The
// canonical fields remain authoritative; Store never persists Interval
// itself.
type taskRequest struct {
	ID        int64             `json:"id,omitempty"`
	Module    string            `json:"module"`
	Parameter map[string]string `json:"parameter"`
	At        string            `json:"at,omitempty"`
	Interval  string            `json:"interval,omitempty"`
	Seconds   int64             `json:"seconds,omitempty"`
	Minutes   int64             `json:"minutes,omitempty"`
	Hours     int64             `json:"hours,omitempty"`
	Days      string            `json:"days,omitempty"`
	Repeat    bool              `json:"repeat"`
}

type taskView struct {
	ID      int64  `json:"id"`
	Module  string `json:"module"`
	At      string `json:"at,omitempty"`
	Seconds int64  `json:"seconds,omitempty"`
	Minutes int64  `json:"minutes,omitempty"`
	Hours   int64  `json:"hours,omitempty"`
	Days    string `json:"days,omitempty"`
	Repeat  bool   `json:"repeat"`
}

func taskViewFrom(t model.ScheduledTask, moduleName string) taskView {
	return taskView{
		ID:      t.ID,
		Module:  moduleName,
		At:      t.At,
		Seconds: t.Seconds,
		Minutes: t.Minutes,
		Hours:   t.Hours,
		Days:    t.Days,
		Repeat:  t.Repeat,
	}
}

// applyInterval splits req.Interval into the task's Seconds/Minutes/Hours
// fields, largest unit first. It runs whenever Interval is set and overwrites
// the one field it fills; the other two keep the values the request carried.
func (req *taskRequest) applyInterval() error {
	if req.Interval == "" {
		return nil
	}

	d, err := str2duration.ParseDuration(req.Interval)
	if err != nil {
		return err
	}

	switch {
	case d%time.Hour == 0:
		req.Hours = int64(d.Hours())
	case d%time.Minute == 0:
		req.Minutes = int64(d.Minutes())
	default:
		req.Seconds = int64(d.Seconds())
	}

	return nil
}

func (req *taskRequest) toModel(moduleID int64) (model.ScheduledTask, error) {
	param, err := json.Marshal(req.Parameter)
	if err != nil {
		return model.ScheduledTask{}, err
	}

	return model.ScheduledTask{
		ID:        req.ID,
		Module:    moduleID,
		Parameter: string(param),
		At:        req.At,
		Seconds:   req.Seconds,
		Minutes:   req.Minutes,
		Hours:     req.Hours,
		Days:      req.Days,
		Repeat:    req.Repeat,
	}, nil
}

// AddTaskAPI handles POST /task/add.
func (s *Server) AddTaskAPI(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := req.applyInterval(); err != nil {
		httpError(w, "invalid interval: "+err.Error(), http.StatusBadRequest)
		return
	}

	mod, err := s.directory.Module(r.Context(), req.Module)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "module not found", http.StatusNotFound)
			return
		}
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	t, err := req.toModel(mod.ID)
	if err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	saved, err := s.tasks.AddTask(r.Context(), t)
	if err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, taskViewFrom(saved, mod.Name), http.StatusCreated)
}

// UpdateTaskAPI handles POST /task/update.
func (s *Server) UpdateTaskAPI(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == 0 {
		httpError(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := req.applyInterval(); err != nil {
		httpError(w, "invalid interval: "+err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := s.tasks.TaskByID(r.Context(), req.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "task not found", http.StatusNotFound)
			return
		}
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	moduleID := existing.Module
	moduleName := req.Module
	if req.Module != "" {
		mod, err := s.directory.Module(r.Context(), req.Module)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpError(w, "module not found", http.StatusNotFound)
				return
			}
			httpError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		moduleID = mod.ID
		moduleName = mod.Name
	}

	t, err := req.toModel(moduleID)
	if err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.tasks.UpdateTask(r.Context(), t); err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, taskViewFrom(t, moduleName), http.StatusOK)
}

// DeleteTaskAPI handles DELETE /task/{id}.
func (s *Server) DeleteTaskAPI(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, "id must be numeric", http.StatusBadRequest)
		return
	}

	if err := s.tasks.RemoveTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "task not found", http.StatusNotFound)
			return
		}
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// SearchTasksAPI handles POST /task/search/{module_name}: the body is a
// parameter subset, and the first task attached to module_name whose
// decoded parameter map is a superset of it is reported back by id.
func (s *Server) SearchTasksAPI(w http.ResponseWriter, r *http.Request) {
	moduleName := r.PathValue("module_name")
	if moduleName == "" {
		httpError(w, "module_name is required", http.StatusBadRequest)
		return
	}

	var subset map[string]string
	if err := json.NewDecoder(r.Body).Decode(&subset); err != nil && err != io.EOF {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tasks, err := s.directory.SearchTasks(r.Context(), moduleName, subset)
	if err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(tasks) == 0 {
		httpError(w, "task not found", http.StatusNotFound)
		return
	}

	httpResponseJSON(w, idView{ID: tasks[0].ID}, http.StatusOK)
}
