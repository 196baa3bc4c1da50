package controller

import (
	"net/http"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if c.App.Ping == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	checks := map[string]string{}
	status, code := "ok", http.StatusOK
	for name, err := range c.App.Ping(r.Context()) {
		if err != nil {
			checks[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}
