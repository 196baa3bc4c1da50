package controller

import (
	"net/http"

	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/canopy-network/entityx/pkg/resolution"
	"github.com/gorilla/mux"
)

type batchRequest struct {
	Addresses []string `json:"addresses"`
}

type batchResponse struct {
	Results []resolution.BatchItem `json:"results"`
}

// HandleResolve returns the strongest visible entity for one address.
func (c *Controller) HandleResolve(w http.ResponseWriter, r *http.Request) {
	res, err := c.App.Resolver.Resolve(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleResolveBatch resolves up to the configured batch size in request
// order. Unknown and malformed addresses are reported per item.
func (c *Controller) HandleResolveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, w, &req); err != nil {
		c.fail(w, r, err)
		return
	}
	if len(req.Addresses) == 0 {
		c.fail(w, r, errs.Validation("addresses", "", "at least one address is required"))
		return
	}

	items, err := c.App.Resolver.ResolveBatch(r.Context(), req.Addresses)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: items})
}

func (c *Controller) HandleCluster(w http.ResponseWriter, r *http.Request) {
	detail, err := c.App.Resolver.ClusterDetail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
