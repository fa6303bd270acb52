// Command keepengined runs the workflow engine daemon: crash recovery
// followed by the scheduling loop, against the configured durable store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/nostrband/keep.ai-sub001/features/sandbox/proc"
	storemongo "github.com/nostrband/keep.ai-sub001/features/store/mongo"
	streampulse "github.com/nostrband/keep.ai-sub001/features/stream/pulse"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/emm"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/handler"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/ledger"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/reconcile"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/sched"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/session"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/store/inmem"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/telemetry"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
)

func main() {
	var (
		configF = flag.String("config", "keepengined.yaml", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, cfg config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := openSink(cfg.Redis)
	if err != nil {
		return err
	}
	defer closeSink()

	eval, err := openEvaluator(cfg.Sandbox)
	if err != nil {
		return err
	}

	state := sched.NewState()
	toolReg := tools.NewRegistry()
	reconReg := reconcile.NewRegistry()

	manager, err := emm.New(emm.Options{
		Store:     st,
		Scheduler: state,
		Sink:      sink,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	led, err := ledger.New(ledger.Options{
		Store:    st,
		Notifier: state,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	runner, err := handler.New(handler.Options{
		EMM:       manager,
		Store:     st,
		Ledger:    led,
		Evaluator: eval,
		Tools:     toolReg,
		Reconcile: reconReg,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	orch, err := session.New(session.Options{
		EMM:     manager,
		Store:   st,
		Runner:  runner,
		Lookup:  state,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}
	scheduler, err := sched.New(sched.Options{
		State:          state,
		Store:          st,
		Executor:       orch,
		EMM:            manager,
		Reconcile:      reconReg,
		Logger:         logger,
		Metrics:        metrics,
		Tick:           cfg.Scheduler.Tick,
		ReconcileEvery: cfg.Scheduler.ReconcileEvery,
		SessionRate:    cfg.Scheduler.SessionRate,
	})
	if err != nil {
		return err
	}

	// Recovery runs to completion before any scheduling: crashed runs must
	// be finalized and orphaned reservations released before new sessions
	// can claim them.
	log.Printf(ctx, "running crash recovery")
	if err := manager.RecoverAll(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	log.Print(ctx, log.KV{K: "msg", V: "engine started"}, log.KV{K: "store", V: cfg.Store.Backend})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	if cfg.HTTP.HealthAddr != "" {
		g.Go(func() error { return serveHealth(gctx, cfg.HTTP.HealthAddr, st) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// serveHealth exposes /healthz (dependency checks) and /livez (process up)
// until the context is canceled.
func serveHealth(ctx context.Context, addr string, deps ...any) error {
	var pingers []health.Pinger
	for _, d := range deps {
		if p, ok := d.(health.Pinger); ok {
			pingers = append(pingers, p)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openStore(ctx context.Context, cfg storeConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "inmem":
		return inmem.New(), func() {}, nil
	case "mongo":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				log.Errorf(dctx, err, "mongo disconnect")
			}
		}
		st, err := storemongo.New(ctx, storemongo.Options{
			Client:   client,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return st, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openSink(cfg redisConfig) (stream.Sink, func(), error) {
	if cfg.Addr == "" {
		return stream.NopSink{}, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	sink, err := streampulse.NewSink(streampulse.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.StreamMaxLen,
	})
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return sink, func() { rdb.Close() }, nil
}

func openEvaluator(cfg sandboxConfig) (sandbox.Evaluator, error) {
	eval, err := proc.New(proc.Options{Command: cfg.Command, Args: cfg.Args})
	if err != nil {
		return nil, err
	}
	if cfg.EvalTimeout > 0 {
		return timeoutEvaluator{next: eval, timeout: cfg.EvalTimeout}, nil
	}
	return eval, nil
}

// timeoutEvaluator applies the configured default timeout to requests that
// do not carry their own.
type timeoutEvaluator struct {
	next    sandbox.Evaluator
	timeout time.Duration
}

func (t timeoutEvaluator) Eval(ctx context.Context, req sandbox.EvalRequest) (sandbox.EvalResult, error) {
	if req.Timeout <= 0 {
		req.Timeout = t.timeout
	}
	return t.next.Eval(ctx, req)
}
