package controller

import (
	"net/http"
	"strconv"

	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/gorilla/mux"
)

type rulesResponse struct {
	Rules []alert.Rule `json:"rules"`
}

func (c *Controller) HandleRulesList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		c.fail(w, r, errs.Validation("user_id", "", "required"))
		return
	}
	rules, err := c.App.Rules.List(r.Context(), userID)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if rules == nil {
		rules = []alert.Rule{}
	}
	writeJSON(w, http.StatusOK, rulesResponse{Rules: rules})
}

func (c *Controller) HandleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var rule alert.Rule
	if err := decodeBody(r, w, &rule); err != nil {
		c.fail(w, r, err)
		return
	}
	created, err := c.App.Rules.Create(r.Context(), rule)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (c *Controller) HandleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := c.App.Rules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// HandleRuleUpdate replaces the user editable fields of a rule.
func (c *Controller) HandleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var rule alert.Rule
	if err := decodeBody(r, w, &rule); err != nil {
		c.fail(w, r, err)
		return
	}
	updated, err := c.App.Rules.Update(r.Context(), mux.Vars(r)["id"], rule)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (c *Controller) HandleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.App.Rules.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		c.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents pages alert events newest first. Filters: user_id, rule_id,
// status; paging: limit, cursor.
func (c *Controller) HandleEvents(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	f := alerts.EventFilter{
		UserID: qs.Get("user_id"),
		RuleID: qs.Get("rule_id"),
		Status: qs.Get("status"),
		Cursor: qs.Get("cursor"),
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.fail(w, r, errs.Validation("limit", v, "must be a positive integer"))
			return
		}
		f.Limit = n
	}

	page, err := c.App.Rules.Events(r.Context(), f)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if page.Events == nil {
		page.Events = []alert.Event{}
	}
	writeJSON(w, http.StatusOK, page)
}
