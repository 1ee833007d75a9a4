// Package app wires the daemon together: storage, drivers, engine and
// API, with reconciliation on boot and coordinated shutdown.
package app

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wharfd/wharfd/internal/api"
	"github.com/wharfd/wharfd/internal/cgroups"
	"github.com/wharfd/wharfd/internal/config"
	"github.com/wharfd/wharfd/internal/engine"
	"github.com/wharfd/wharfd/internal/events"
	"github.com/wharfd/wharfd/internal/layerfs"
	"github.com/wharfd/wharfd/internal/logstream"
	"github.com/wharfd/wharfd/internal/network"
	"github.com/wharfd/wharfd/internal/runtime"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/internal/volume"
	"github.com/wharfd/wharfd/pkg/logger"
)

// Run builds the daemon from cfg and serves until ctx is cancelled or a
// termination signal arrives.
func Run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := cfg.Engine.DataDir
	meta, err := store.Open(filepath.Join(dataDir, "meta.db"))
	if err != nil {
		return err
	}
	defer meta.Close()

	layers, err := layerfs.NewStore(filepath.Join(dataDir, "layers"), meta)
	if err != nil {
		return err
	}
	assembler, err := layerfs.NewAssembler(filepath.Join(dataDir, "containers"), layers, pickDriver(cfg.Engine.FSDriver))
	if err != nil {
		return err
	}
	governor, err := cgroups.NewGovernor(cfg.Engine.CgroupRoot)
	if err != nil {
		return err
	}
	logs, err := logstream.NewManager(filepath.Join(dataDir, "logs"))
	if err != nil {
		return err
	}

	bus := events.NewBus(cfg.Engine.EventBuffer)
	defer bus.Close()
	nets := network.NewManager(meta)

	var eng *engine.Engine
	vols, err := volume.NewManager(filepath.Join(dataDir, "volumes"), meta, func(ctx context.Context, name string) (bool, error) {
		return eng.VolumeInUse(ctx, name)
	})
	if err != nil {
		return err
	}

	grace, err := cfg.Engine.StopGraceDuration()
	if err != nil {
		return err
	}
	eng = engine.New(engine.Options{
		Meta:        meta,
		Layers:      layers,
		Assembler:   assembler,
		Governor:    governor,
		Runtime:     runtime.NewLinux(),
		Bus:         bus,
		Logs:        logs,
		Volumes:     vols,
		Networks:    nets,
		GracePeriod: grace,
	})

	// Settle whatever a previous daemon left behind before accepting work.
	if err := eng.Reconcile(ctx); err != nil {
		return err
	}

	srv := api.NewServer(eng, vols, nets)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(cfg.Server.Listen); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// pickDriver chooses the union filesystem driver. auto prefers overlay
// and falls back to the copy driver on hosts without it.
func pickDriver(name string) layerfs.Driver {
	switch name {
	case "overlay":
		return layerfs.Overlay{}
	case "vfs":
		return layerfs.VFS{}
	default:
		if (layerfs.Overlay{}).Supported() {
			return layerfs.Overlay{}
		}
		logger.Warn("Overlay filesystem unavailable, using the copy driver")
		return layerfs.VFS{}
	}
}
