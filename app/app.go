// Package app owns the server singletons and their lifetimes: clock, event
// bus, stores, hasher pool and race manager. Transport adapters reach them
// through accessors; nothing here knows about HTTP.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fpv-tools/racetimer/auth"
	"github.com/fpv-tools/racetimer/clock"
	"github.com/fpv-tools/racetimer/config"
	"github.com/fpv-tools/racetimer/events"
	"github.com/fpv-tools/racetimer/logging"
	"github.com/fpv-tools/racetimer/race"
	"github.com/fpv-tools/racetimer/store"
	"github.com/fpv-tools/racetimer/store/sqlite"
)

// AdminRole is the persistent bootstrap role holding every permission.
const AdminRole = "SYSTEM_ADMIN"

// App wires the core components and owns their shutdown order.
type App struct {
	cfg config.Data
	log zerolog.Logger

	clk     *clock.Service
	bus     *events.Bus
	pool    *auth.Pool
	hasher  *auth.Hasher
	users   store.UserStore
	races   store.RaceStore
	manager *race.Manager

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
	shutdownOnce  sync.Once
}

// New runs the startup sequence: clock, worker pool, stores, persistent
// bootstrap, event bus, manager. Any failure here is fatal to the process.
func New(ctx context.Context, cfg config.Data) (*App, error) {
	a := &App{
		cfg:           cfg,
		log:           logging.WithComponent("app"),
		clk:           clock.NewService(),
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	a.pool = auth.NewPool(cfg.HashWorkers)
	a.hasher = auth.NewHasher(auth.DefaultParams, a.pool, logging.WithComponent("auth"))

	users, err := sqlite.OpenUserDB(cfg.UserDB, logging.WithComponent("userdb"))
	if err != nil {
		return nil, fmt.Errorf("user database: %w", err)
	}
	a.users = users

	races, err := sqlite.OpenRaceDB(cfg.RaceDB, logging.WithComponent("racedb"))
	if err != nil {
		users.Close()
		return nil, fmt.Errorf("race database: %w", err)
	}
	a.races = races

	if err := a.bootstrap(ctx); err != nil {
		users.Close()
		races.Close()
		return nil, fmt.Errorf("persistent bootstrap: %w", err)
	}

	a.bus = events.NewBus(logging.WithComponent("bus"))
	a.manager = race.NewManager(a.clk, a.bus, logging.WithComponent("race"))

	go a.heartbeatLoop()
	return a, nil
}

// bootstrap installs the persistent defaults: the full permission set, the
// SYSTEM_ADMIN role with every permission, and the default admin user.
// Each step is idempotent, so repeated startups leave the store unchanged.
func (a *App) bootstrap(ctx context.Context) error {
	if err := a.users.EnsurePersistentPermissions(ctx, store.DefaultPermissions()); err != nil {
		return err
	}

	perms, err := a.users.AllPermissions(ctx)
	if err != nil {
		return err
	}
	if err := a.users.EnsurePersistentRole(ctx, AdminRole, perms); err != nil {
		return err
	}

	admin, err := a.users.RoleByName(ctx, AdminRole)
	if err != nil {
		return err
	}

	hash, err := a.hasher.Hash(ctx, a.cfg.DefaultPassword)
	if err != nil {
		return err
	}
	return a.users.EnsurePersistentUser(ctx, a.cfg.DefaultUsername, hash, []store.Role{*admin})
}

// heartbeatLoop publishes the heartbeat event on a fixed period until
// shutdown. The event carries no payload.
func (a *App) heartbeatLoop() {
	defer close(a.heartbeatDone)
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.heartbeatStop:
			return
		case <-ticker.C:
			a.bus.Publish(events.Heartbeat, nil)
		}
	}
}

// ---- accessors ----

func (a *App) Clock() *clock.Service      { return a.clk }
func (a *App) EventBus() *events.Bus      { return a.bus }
func (a *App) UserStore() store.UserStore { return a.users }
func (a *App) RaceStore() store.RaceStore { return a.races }
func (a *App) Hasher() *auth.Hasher       { return a.hasher }
func (a *App) RaceManager() *race.Manager { return a.manager }

// Shutdown stops the running race (if any), drains the event bus, then
// disposes the stores. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.manager.StopRace()

		close(a.heartbeatStop)
		<-a.heartbeatDone

		a.bus.Close()
		a.pool.Close()

		if err := a.users.Close(); err != nil {
			a.log.Warn().Err(err).Msg("user database close failed")
		}
		if err := a.races.Close(); err != nil {
			a.log.Warn().Err(err).Msg("race database close failed")
		}
		a.log.Info().Msg("shutdown complete")
	})
}
