// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dashboard exposes the scheduler's query and repair surface over
// HTTP, for embedding into an application's own server or router.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"

	corecron "github.com/docket-dev/docket/core/cron"
	"github.com/docket-dev/docket/core/item"
	"github.com/docket-dev/docket/core/logger"
)

// Info describes the scheduler instance behind the dashboard.
type Info struct {
	Name          string             `json:"name"`
	InstanceID    string             `json:"instanceId"`
	DatabaseName  string             `json:"databaseName"`
	Leader        bool               `json:"leader"`
	ReactiveTasks []ReactiveTaskInfo `json:"reactiveTasks"`
	CronTasks     []CronTaskInfo     `json:"cronTasks"`
}

// ReactiveTaskInfo summarises one reactive task for the info endpoint.
type ReactiveTaskInfo struct {
	Name       string                `json:"name"`
	Collection string                `json:"collection"`
	Stats      map[item.Status]int64 `json:"stats"`
}

// CronTaskInfo summarises one cron task for the info endpoint.
type CronTaskInfo struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	LastRunError string    `json:"lastRunError,omitempty"`
	NextRunAt    time.Time `json:"nextRunAt"`
}

// API is the scheduler surface the dashboard serves. The facade implements
// it; tests fake it.
type API interface {
	Info(ctx context.Context) (Info, error)
	ListItems(ctx context.Context, q item.Query) (*item.Page, error)
	ItemStats(ctx context.Context, tasks []string) ([]item.StatusCounts, error)
	RetryItems(ctx context.Context, q item.Query) (int64, error)
	ListCronTasks(ctx context.Context) ([]corecron.TaskDoc, error)
	TriggerCronTask(ctx context.Context, id string) error
}

// Handler serves the dashboard REST API.
type Handler struct {
	api    API
	clock  clock.Clock
	logger logger.Logger
	router *mux.Router
}

// NewHandler returns an http.Handler serving the dashboard endpoints,
// rooted at the path it is mounted on.
func NewHandler(api API, clk clock.Clock, log logger.Logger) (*Handler, error) {
	if api == nil {
		return nil, errors.NotValidf("nil API")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	if log == nil {
		return nil, errors.NotValidf("nil Logger")
	}
	h := &Handler{api: api, clock: clk, logger: log}
	r := mux.NewRouter()
	r.HandleFunc("/api/info", h.info).Methods(http.MethodGet)
	r.HandleFunc("/api/reactive/list", h.listItems).Methods(http.MethodGet)
	r.HandleFunc("/api/reactive/stats", h.itemStats).Methods(http.MethodGet)
	r.HandleFunc("/api/reactive/retry", h.retryItems).Methods(http.MethodPost)
	r.HandleFunc("/api/cron/list", h.listCron).Methods(http.MethodGet)
	r.HandleFunc("/api/cron/trigger", h.triggerCron).Methods(http.MethodPost)
	h.router = r
	return h, nil
}

// ServeHTTP is part of the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.api.Info(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, info)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	q, err := itemQuery(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	page, err := h.api.ListItems(r.Context(), q)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, page)
}

func (h *Handler) itemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.api.ItemStats(r.Context(), r.URL.Query()["task"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, stats)
}

func (h *Handler) retryItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks        []string      `json:"tasks"`
		Statuses     []item.Status `json:"statuses"`
		ID           string        `json:"_id"`
		SourceDocID  string        `json:"sourceDocId"`
		ErrorMessage string        `json:"errorMessage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, errors.NewBadRequest(err, "decoding retry request"))
		return
	}
	n, err := h.api.RetryItems(r.Context(), item.Query{
		Tasks:        req.Tasks,
		Statuses:     req.Statuses,
		ID:           req.ID,
		SourceDocID:  req.SourceDocID,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]int64{"modifiedCount": n})
}

// cronView is a TaskDoc with its derived state attached.
type cronView struct {
	corecron.TaskDoc
	Status       string `json:"status"`
	LastRunError string `json:"lastRunError,omitempty"`
}

// cronPage is the envelope of the cron listing.
type cronPage struct {
	Items  []cronView `json:"items"`
	Total  int64      `json:"total"`
	Limit  int64      `json:"limit"`
	Offset int64      `json:"offset"`
}

const defaultCronListLimit = 50

func (h *Handler) listCron(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := paging(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if limit <= 0 {
		limit = defaultCronListLimit
	}
	docs, err := h.api.ListCronTasks(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	now := h.clock.Now()
	views := make([]cronView, len(docs))
	for i, d := range docs {
		views[i] = cronView{
			TaskDoc:      d,
			Status:       d.Status(now),
			LastRunError: d.LastRunError(),
		}
	}

	page := cronPage{
		Items:  []cronView{},
		Total:  int64(len(views)),
		Limit:  limit,
		Offset: skip,
	}
	if skip < int64(len(views)) {
		views = views[skip:]
		if int64(len(views)) > limit {
			views = views[:limit]
		}
		page.Items = views
	}
	h.sendJSON(w, http.StatusOK, page)
}

func (h *Handler) triggerCron(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, errors.NewBadRequest(err, "decoding trigger request"))
		return
	}
	if req.ID == "" {
		h.sendError(w, errors.BadRequestf("missing cron task id"))
		return
	}
	if err := h.api.TriggerCronTask(r.Context(), req.ID); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func itemQuery(r *http.Request) (item.Query, error) {
	v := r.URL.Query()
	q := item.Query{
		Tasks:        v["task"],
		ID:           v.Get("_id"),
		SourceDocID:  v.Get("sourceDocId"),
		ErrorMessage: v.Get("errorMessage"),
	}
	for _, s := range v["status"] {
		q.Statuses = append(q.Statuses, item.Status(s))
	}
	if he := v.Get("hasError"); he != "" {
		b, err := strconv.ParseBool(he)
		if err != nil {
			return q, errors.BadRequestf("invalid hasError %q", he)
		}
		q.HasError = &b
	}
	var err error
	if q.Skip, q.Limit, err = paging(r); err != nil {
		return q, errors.Trace(err)
	}
	return q, nil
}

// paging reads the skip and limit query parameters.
func paging(r *http.Request) (skip, limit int64, err error) {
	v := r.URL.Query()
	if s := v.Get("skip"); s != "" {
		if skip, err = strconv.ParseInt(s, 10, 64); err != nil || skip < 0 {
			return 0, 0, errors.BadRequestf("invalid skip %q", s)
		}
	}
	if l := v.Get("limit"); l != "" {
		if limit, err = strconv.ParseInt(l, 10, 64); err != nil || limit < 0 {
			return 0, 0, errors.BadRequestf("invalid limit %q", l)
		}
	}
	return skip, limit, nil
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("writing dashboard response: %v", err)
	}
}

func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.BadRequest):
		status = http.StatusBadRequest
	}
	h.sendJSON(w, status, map[string]string{"error": err.Error()})
}
