package patcher

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/catalog"
	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
)

// Module provides the machine and coordinator. The host client, catalog
// resolver and any observers or sinks come from other modules; observers
// join the "observers" value group and sinks the "sinks" group.
var Module = fx.Module("patcher",
	fx.Provide(
		ProvidePlanner,
		ProvideMachine,
		ProvideCoordinator,
	),
)

// ProvidePlanner exposes the catalog resolver as the machine's Planner.
func ProvidePlanner(r *catalog.Resolver) Planner {
	return r
}

// MachineParams are the injected dependencies of a Machine.
type MachineParams struct {
	fx.In

	Config    *config.Config
	Log       *slog.Logger
	Client    hostclient.Client
	Planner   Planner
	Observers []Observer `group:"observers"`
}

// ProvideMachine assembles a Machine from its injected dependencies.
func ProvideMachine(p MachineParams) *Machine {
	return NewMachine(p.Config, p.Log, p.Client, p.Planner, p.Observers...)
}

// CoordinatorParams are the injected dependencies of a Coordinator.
type CoordinatorParams struct {
	fx.In

	Log     *slog.Logger
	Machine *Machine
	Sinks   []Sink `group:"sinks"`
}

// ProvideCoordinator assembles a Coordinator from its injected dependencies.
func ProvideCoordinator(p CoordinatorParams) *Coordinator {
	return NewCoordinator(p.Log, p.Machine, p.Sinks...)
}
