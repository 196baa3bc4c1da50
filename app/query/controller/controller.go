package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/canopy-network/entityx/app/query/types"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBody caps request bodies; a full resolve batch fits comfortably.
const maxBody = 1 << 20

type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		App: app,
	}
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)
	if c.App.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.App.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/addresses:batch", c.HandleResolveBatch).Methods(http.MethodPost)
	v1.HandleFunc("/addresses/{address}", c.HandleResolve).Methods(http.MethodGet)
	v1.HandleFunc("/clusters/{id}", c.HandleCluster).Methods(http.MethodGet)

	v1.HandleFunc("/rules", c.HandleRulesList).Methods(http.MethodGet)
	v1.HandleFunc("/rules", c.HandleRuleCreate).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{id}", c.HandleRuleGet).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}", c.HandleRuleUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/rules/{id}", c.HandleRuleDelete).Methods(http.MethodDelete)

	v1.HandleFunc("/events", c.HandleEvents).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps an error kind to its status code. Dependency failures hide the
// underlying cause from the caller.
func (c *Controller) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		c.App.Logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
		var dep *errs.DependencyError
		if errors.As(err, &dep) {
			msg = dep.Dependency + " unavailable"
		} else {
			msg = "internal error"
		}
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsConflict(err):
		return http.StatusConflict
	case errs.IsDependency(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("body", "", err.Error())
	}
	return nil
}
