package cmd

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/artifact"
	"github.com/kidoz/esxi-patcher-go/internal/catalog"
	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/credentials"
	"github.com/kidoz/esxi-patcher-go/internal/esxi"
	"github.com/kidoz/esxi-patcher-go/internal/history"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/metrics"
	"github.com/kidoz/esxi-patcher-go/internal/notify"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
	"github.com/kidoz/esxi-patcher-go/internal/zabbix"
)

// runDeps is everything the run command needs, including the resources it
// must release afterwards.
type runDeps struct {
	coordinator *patcher.Coordinator
	store       *history.Store
	publisher   *notify.Publisher
}

// Close releases the history database and the NATS connection.
func (d *runDeps) Close() {
	d.publisher.Close()
	_ = d.store.Close()
}

func initCoordinator(cfg *config.Config, log *slog.Logger) (*runDeps, error) {
	var d runDeps
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log),
		credentials.Module,
		artifact.Module,
		catalog.Module,
		esxi.Module,
		history.Module,
		metrics.Module,
		notify.Module,
		zabbix.Module,
		patcher.Module,
		fx.Populate(&d.coordinator, &d.store, &d.publisher),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return &d, nil
}

func initClient(cfg *config.Config, log *slog.Logger) (hostclient.Client, error) {
	var c hostclient.Client
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log),
		credentials.Module,
		artifact.Module,
		esxi.Module,
		fx.Populate(&c),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func initHistory(cfg *config.Config, log *slog.Logger) (*history.Store, error) {
	var s *history.Store
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log),
		history.Module,
		fx.Populate(&s),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func initZabbixClient(cfg *config.Config, log *slog.Logger) (*zabbix.Client, error) {
	var c *zabbix.Client
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log),
		zabbix.Module,
		fx.Populate(&c),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return c, nil
}
