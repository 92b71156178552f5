// Command mqtt-gateway bridges HTTP relay connections to per-session topics on
// a message broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/broker/memory"
	"github.com/ggoodman/mqtt-gateway-go/broker/mqtt"
	natsbroker "github.com/ggoodman/mqtt-gateway-go/broker/nats"
	redisbroker "github.com/ggoodman/mqtt-gateway-go/broker/redis"
	"github.com/ggoodman/mqtt-gateway-go/gateway"
	"github.com/ggoodman/mqtt-gateway-go/internal/certwatch"
	"github.com/ggoodman/mqtt-gateway-go/internal/logctx"
	"github.com/ggoodman/mqtt-gateway-go/sessions"
	memstore "github.com/ggoodman/mqtt-gateway-go/sessions/memory"
	"github.com/ggoodman/mqtt-gateway-go/sessions/redisstore"
	"github.com/ggoodman/mqtt-gateway-go/streaminghttp"
	"github.com/ggoodman/mqtt-gateway-go/topic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := cfg.Level()
	log := newLogger(os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(logctx.Handler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})})
}

// closers releases resources in reverse acquisition order.
type closers []func() error

func (c *closers) add(f func() error) { *c = append(*c, f) }

func (c closers) close(log *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.Warn("gateway.close.fail", slog.String("err", err.Error()))
		}
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	scheme, err := topic.NewScheme(cfg.TopicBase)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(reg)

	g, gctx := errgroup.WithContext(ctx)

	var cl closers
	defer cl.close(log)

	var rdb redis.UniversalClient
	if cfg.BrokerKind == BrokerRedis || cfg.ContextStore == StoreRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cl.add(rdb.Close)
	}

	client, background, err := newBrokerClient(cfg, rdb, log)
	if err != nil {
		return err
	}
	store := newContextStore(cfg, rdb)

	conn, err := gateway.NewConnectionHandler(ctx, client,
		gateway.WithScheme(scheme),
		gateway.WithHandlerLogger(log),
		gateway.WithHandlerMetrics(metrics),
	)
	if err != nil {
		return err
	}
	cl.add(conn.Close)
	if background != nil {
		g.Go(func() error { return background(gctx) })
	}

	mgr := gateway.NewSessionManager(conn, store,
		gateway.WithManagerLogger(log),
		gateway.WithManagerMetrics(metrics),
	)
	hub := streaminghttp.NewHub(mgr,
		streaminghttp.WithRelayBuffer(cfg.RelayBuffer),
		streaminghttp.WithHubLogger(log),
		streaminghttp.WithHubMetrics(metrics),
	)
	conn.SetDispatcher(gateway.RecordHistory(store, hub, log))

	api := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: streaminghttp.New(mgr, conn, hub,
			streaminghttp.WithLogger(log),
			streaminghttp.WithPathPrefix(cfg.HTTPPrefix),
		),
		ReadHeaderTimeout: 10 * time.Second,
		// Relay streams end when the process begins shutting down so their
		// sessions are detached before the broker connection closes.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ops := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	for _, srv := range []*http.Server{api, ops} {
		g.Go(func() error {
			log.Info("http.listen", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gateway.shutdown.start")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(api.Shutdown(sctx), ops.Shutdown(sctx))
	})

	err = g.Wait()
	log.Info("gateway.shutdown.done", slog.Int("active_sessions", len(mgr.Sessions())))
	return err
}

// newBrokerClient builds the configured broker backend. It starts nothing;
// background work the backend needs once connected, such as certificate
// reloading, is returned for the caller to run. background is nil when there
// is none.
func newBrokerClient(cfg Config, rdb redis.UniversalClient, log *slog.Logger) (client broker.Client, background func(context.Context) error, err error) {
	switch cfg.BrokerKind {
	case BrokerMemory:
		log.Warn("broker.memory.selected")
		return memory.New().NewClient(), nil, nil
	case BrokerRedis:
		return redisbroker.New(rdb, redisbroker.WithLogger(log)), nil, nil
	case BrokerNATS:
		return natsbroker.New(cfg.NATSURL, natsbroker.WithLogger(log)), nil, nil
	case BrokerMQTT:
		opts, err := broker.ParseConnectionString(cfg.MQTTConnectionString)
		if err != nil {
			return nil, nil, err
		}
		if opts.UseTLS() {
			tc, err := cfg.baseTLSConfig()
			if err != nil {
				return nil, nil, err
			}
			if cfg.MQTTTLSCertFile != "" {
				w, err := certwatch.New(cfg.MQTTTLSCertFile, cfg.MQTTTLSKeyFile, certwatch.WithLogger(log))
				if err != nil {
					return nil, nil, err
				}
				tc.GetClientCertificate = w.GetClientCertificate
				background = w.Run
			}
			opts.TLS = tc
		}
		return mqtt.New(opts, mqtt.WithLogger(log)), background, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.BrokerKind)
	}
}

func newContextStore(cfg Config, rdb redis.UniversalClient) sessions.ContextStore {
	if cfg.ContextStore == StoreRedis {
		return redisstore.NewFromClient(rdb, cfg.SessionsKeyPrefix)
	}
	return memstore.New()
}
