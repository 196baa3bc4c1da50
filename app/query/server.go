package query

import (
	"net/http"
	"time"

	"github.com/canopy-network/entityx/app/query/controller"
	"github.com/canopy-network/entityx/app/query/types"
	"github.com/canopy-network/entityx/pkg/utils"
	"go.uber.org/zap"
)

// NewServer builds the HTTP server for app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3001")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      utils.EnvDuration("QUERY_WRITE_TIMEOUT", 30*time.Second),
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
