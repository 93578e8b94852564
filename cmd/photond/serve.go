package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/portel-dev/photonctl/internal/config"
	"github.com/portel-dev/photonctl/internal/federation"
	"github.com/portel-dev/photonctl/internal/photon"
	"github.com/portel-dev/photonctl/internal/session"
	"github.com/portel-dev/photonctl/internal/subscription"
	"github.com/portel-dev/photonctl/internal/subscription/pulseclient"
	"github.com/portel-dev/photonctl/internal/taskqueue"
	"github.com/portel-dev/photonctl/internal/telemetry"
	"github.com/portel-dev/photonctl/internal/transport"
	"github.com/portel-dev/photonctl/internal/watcher"

	gclue "goa.design/clue/log"
)

type serveOptions struct {
	root                     string
	bundle                   string
	configPath               string
	addr                     string
	idleTimeout              time.Duration
	allowPlaceholderDefaults bool
	redisURL                 string
	mongoURI                 string
	mongoDB                  string
	debug                    bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.root, "root", ".", "working directory to scan for *.photon.ts files")
	cmd.Flags().StringVar(&opts.bundle, "bundle", "", "path to bundle.yaml listing bundled photon paths")
	cmd.Flags().StringVar(&opts.configPath, "config", "photon.config.json", "path to the configuration envelope")
	cmd.Flags().StringVar(&opts.addr, "addr", ":8420", "listen address")
	cmd.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", transport.DefaultIdleSessionTimeout, "session idle timeout before termination")
	cmd.Flags().BoolVar(&opts.allowPlaceholderDefaults, "allow-placeholder-defaults", false, "treat placeholder-looking defaults as configured")
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", "", "Redis URL; when set, channel events route through Pulse instead of in-process fan-out")
	cmd.Flags().StringVar(&opts.mongoURI, "mongo-uri", "", "MongoDB URI; when set, sessions persist to Mongo instead of in-memory")
	cmd.Flags().StringVar(&opts.mongoDB, "mongo-db", "photonctl", "MongoDB database name")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	return cmd
}

// emitterProxy breaks the construction cycle between photon.Registry (which
// needs an Emitter at construction) and transport.Server (which implements
// Emitter but needs the Registry first): the proxy is handed to Registry
// immediately and bound to the real Server once it exists.
type emitterProxy struct {
	srv *transport.Server
}

func (p *emitterProxy) PublishListChanged() {
	if p.srv != nil {
		p.srv.PublishListChanged()
	}
}

func (p *emitterProxy) PublishLoadError(photonID, message string) {
	if p.srv != nil {
		p.srv.PublishLoadError(photonID, message)
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	format := gclue.FormatJSON
	if gclue.IsTerminal() {
		format = gclue.FormatTerminal
	}
	ctx = gclue.Context(ctx, gclue.WithFormat(format))
	if opts.debug {
		ctx = gclue.Context(ctx, gclue.WithDebug())
	}

	tel := telemetry.Set{Logger: telemetry.NewClueLogger(), Metrics: telemetry.NewClueMetrics(), Tracer: telemetry.NewClueTracer()}

	if err := config.LoadDotEnv(filepath.Join(opts.root, ".env")); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	bundle, err := config.LoadBundle(opts.bundle)
	if err != nil {
		return fmt.Errorf("load bundle manifest: %w", err)
	}

	envelope, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration envelope: %w", err)
	}
	for _, vars := range envelope.Photons {
		for k, v := range vars {
			_ = os.Setenv(k, v)
		}
	}

	emitter := &emitterProxy{}
	registry := photon.New(
		photon.WithEmitter(emitter),
		photon.WithTelemetry(tel),
		photon.WithConfig(photon.Config{AllowPlaceholderDefaults: opts.allowPlaceholderDefaults}),
		photon.WithEnvelopePath(opts.configPath),
	)

	roots, err := photon.ListRoots(opts.root, bundle.Photons)
	if err != nil {
		return fmt.Errorf("list photon roots: %w", err)
	}
	for name, absPath := range roots {
		if _, err := registry.PreCheck(ctx, name, absPath); err != nil {
			tel.Logger.Warn(ctx, "photon pre-check failed", "photon", name, "error", err.Error())
		}
	}

	catalog := federation.NewCatalog()

	var sessions session.Store
	if opts.mongoURI != "" {
		mongoClient, err := mongo.Connect(options.Client().ApplyURI(opts.mongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		sessions, err = session.NewMongoStore(ctx, session.MongoOptions{Client: mongoClient, Database: opts.mongoDB})
		if err != nil {
			return fmt.Errorf("build session store: %w", err)
		}
	} else {
		sessions = session.NewInMemoryStore()
	}

	var backend subscription.Backend
	if opts.redisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisURL})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		pulseC, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("build pulse client: %w", err)
		}
		backend = subscription.NewPulseBackend(pulseC)
	} else {
		backend = subscription.NewInprocBackend(64, false)
	}

	var srv *transport.Server
	subs := subscription.NewManager(backend,
		func(sessionID string, ev subscription.Event) {
			if srv != nil {
				srv.Send(sessionID, ev)
			}
		},
		func(sessionID string, key subscription.Key) {
			if srv != nil {
				srv.Refresh(sessionID, key)
			}
		},
	)

	queue := taskqueue.New(64)
	defer queue.Close()

	srv = transport.NewServer(registry, catalog, subs, sessions, queue,
		transport.WithLogger(tel.Logger), transport.WithMetrics(tel.Metrics))
	emitter.srv = srv
	catalog.SetElicitationHandler(srv.ElicitationHandler())

	fsWatcher, err := watcher.NewFSWatcher(opts.root, registry,
		watcher.WithLogger(tel.Logger), watcher.WithEmitter(emitter))
	if err != nil {
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	go fsWatcher.Run(ctx)
	defer fsWatcher.Stop()

	configWatcher, err := watcher.NewConfigWatcher(opts.configPath, catalog, envelope,
		watcher.WithConfigLogger(tel.Logger), watcher.WithConfigEmitter(emitter))
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go configWatcher.Run(ctx)
	defer configWatcher.Stop()

	sweeper := watcher.NewIdleSweeper(sessions, subs, opts.idleTimeout,
		watcher.WithSweepLogger(tel.Logger), watcher.WithSweepTerminated(srv.DropSessionState))
	if err := sweeper.Start(ctx, "@every 1m"); err != nil {
		return fmt.Errorf("start idle sweeper: %w", err)
	}
	defer sweeper.Stop()

	metrics := telemetry.NewPrometheusRegistry()

	httpSrv := &http.Server{
		Addr:         opts.addr,
		Handler:      srv.Router(metrics.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	serverErrs := make(chan error, 1)
	go func() {
		gclue.Printf(ctx, "photond listening addr=%s", opts.addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	select {
	case err := <-serverErrs:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		gclue.Print(ctx, gclue.KV{K: "msg", V: "shutting down"})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
