package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/tether/internal/api/v1"
	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/wire"
)

func registerAPIRoutes(api huma.API, store v1.DataStore, keys domain.KeyRepository) {
	v1.RegisterSessionRoutes(api, store)
	v1.RegisterApprovalRoutes(api, store)
	v1.RegisterDeviceRoutes(api, store)
	if keys != nil {
		v1.RegisterKeyRoutes(api, keys)
	}
}

func registerRelayRoutes(r chi.Router, relay Relay) {
	r.Get(wire.RelayPath, relay.ServeRelay)
}
