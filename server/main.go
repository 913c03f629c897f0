package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/persist"
	"collabtext/internal/reconcile"
	"collabtext/internal/session"
)

const Version = "0.2.0"

const usage = `CollabText sync hub.

Storage, limits and timings are read from the environment (ADDR, LOG_BACKEND,
BOLT_PATH, DATABASE_URL, REDIS_ADDR, PROJECT_STORE, PROJECT_STORE_URL,
AUTOSAVE_DELAY, MAX_FILES, ...). Flags override the environment.

Usage:
    server [--addr=<addr>] [--mdns] [--v=<level>]
    server -h | --help
    server --version

Options:
    -h --help      Show this screen.
    --version      Show version.
    --addr=<addr>  Listen address.
    --mdns         Advertise the hub on the local network.
    --v=<level>    Log verbosity.`

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	cfg, err := config.FromEnv()
	if err != nil {
		glog.Exitf("[server]config: %s\n", err)
	}
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Addr = addr
	}
	if mdns, _ := opts.Bool("--mdns"); mdns {
		cfg.MDNS = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		glog.Exitf("[server]%s\n", err)
	}
	defer b.close()

	popts := persist.DefaultOptions()
	popts.CompactEvery = cfg.CompactEvery
	adapter := persist.NewAdapter(b.log, popts)
	reconciler := reconcile.New(b.store, cfg.AutosaveDelay, nil)

	sopts := session.DefaultOptions(crdt.NewReplicaID())
	sopts.Limits = cfg.Limits()
	sopts.PresenceTimeout = cfg.PresenceTimeout
	sopts.IdleGrace = cfg.IdleGrace
	sopts.SendQueue = cfg.SendQueue
	registry := session.NewRegistry(adapter, reconciler, sopts)
	go registry.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(registry, b.store, cfg, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		shutdown, err := advertise(port(cfg.Addr))
		if err != nil {
			glog.Errorf("[server]mdns: %s\n", err)
		} else {
			defer shutdown()
		}
	}

	go func() {
		<-ctx.Done()
		glog.Infof("[server]shutting down\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := registry.Close(shutdownCtx); err != nil {
			glog.Errorf("[server]final autosave: %s\n", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.Errorf("[server]http shutdown: %s\n", err)
		}
	}()

	glog.Infof("[server]CollabText sync hub listening on %s (log %s, store %s)\n", cfg.Addr, cfg.LogBackend, cfg.ProjectStore)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Exitf("[server]listen: %s\n", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := adapter.Close(closeCtx); err != nil {
		glog.Errorf("[server]closing durable log: %s\n", err)
	}
}

func port(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 8081
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 8081
	}
	return n
}
