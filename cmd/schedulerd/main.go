// Command schedulerd runs one instance of the translation scheduling
// service: node/session registries, the dispatch and timeout loops, the
// WebSocket listeners, and the cross-instance routing layer, all wired
// from internal/config following the teacher's env-plus-YAML layering.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-speech/scheduler/internal/config"
	"github.com/lingua-speech/scheduler/internal/dispatcher"
	"github.com/lingua-speech/scheduler/internal/logging"
	"github.com/lingua-speech/scheduler/internal/maintenance"
	"github.com/lingua-speech/scheduler/internal/metrics"
	"github.com/lingua-speech/scheduler/internal/pool"
	"github.com/lingua-speech/scheduler/internal/primitives"
	"github.com/lingua-speech/scheduler/internal/registry"
	"github.com/lingua-speech/scheduler/internal/resultqueue"
	"github.com/lingua-speech/scheduler/internal/routing"
	"github.com/lingua-speech/scheduler/internal/session"
	"github.com/lingua-speech/scheduler/internal/timeout"
	"github.com/lingua-speech/scheduler/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	log := logging.New("schedulerd")

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadFile(&cfg, *configPath); err != nil {
			log.Error("failed to load config file", "path", *configPath, "err", err)
			os.Exit(1)
		}
	}
	config.LoadEnv(&cfg)

	mreg := metrics.New()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	prims := primitives.New(redisClient, cfg.Redis.Prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := prims.Load(ctx)
	cancel()
	if err != nil {
		log.Error("failed to load redis lua scripts, continuing without a redis runtime", "err", err)
		prims = nil
	}

	reg := registry.New(cfg.NodeHealth)
	poolIndex := pool.NewIndex()
	selector := pool.NewSelector(poolIndex, cfg.Selection)
	sessions := session.NewManager(reg, poolIndex, prims)
	results := resultqueue.NewManager(cfg.ResultQueue.PendingMax, cfg.ResultQueue.AckTimeout, mreg)
	disp := dispatcher.New(reg, poolIndex, selector, sessions, prims, cfg.Dispatcher, mreg)

	inbox := routing.New(redisClient, cfg.Redis.Prefix, cfg.Routing)
	broadcast := routing.NewBroadcastListener(redisClient, cfg.Redis.Prefix, cfg.Routing.InstanceID, func(ctx context.Context, msg routing.SessionInvalidation) error {
		log.Debug("session invalidation received", "session_id", msg.SessionID, "reason", msg.Reason)
		return nil
	})
	presence := routing.NewPresence(redisClient, cfg.Redis.Prefix, cfg.Routing.InstanceID, cfg.Routing.PresenceTTL)
	router := routing.NewRouter(redisClient, cfg.Redis.Prefix, cfg.Routing.InstanceID, cfg.Routing.PresenceTTL, inbox, broadcast, presence)

	clientListener := transport.NewClientListener(sessions, results, router, cfg.SessionActor, mreg)
	clientListener.SetCreateJobFunc(disp.CreateJob)

	nodeListener := transport.NewNodeListener(reg, disp, results, router)

	router.AttachNodeSender(nodeListener)
	router.AttachSessionSender(clientListener)
	router.RegisterInboxHandlers()

	timeoutLoop := timeout.New(reg, poolIndex, selector, sessions, disp, prims, router, cfg.Timeout, mreg)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go timeoutLoop.Run(runCtx)
	go inbox.Start(runCtx)
	go broadcast.Start(runCtx)
	go presence.Run(runCtx)

	maintenanceScheduler := maintenance.NewScheduler(maintenance.Default(maintenance.Deps{
		Registry:  reg,
		Pools:     poolIndex,
		Prims:     prims,
		Broadcast: broadcast,
		Inbox:     inbox,
	})...)
	go maintenanceScheduler.Start(runCtx)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	adminMux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jobs":` + itoa(len(disp.All())) + `}`))
	})
	adminMux.HandleFunc("/api/v1/cluster-stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nodes":` + itoa(len(reg.All())) + `}`))
	})
	adminMux.Handle("/metrics", mreg.Handler())

	clientSrv := &http.Server{Addr: cfg.ClientListenAddr, Handler: clientListener}
	nodeSrv := &http.Server{Addr: cfg.NodeListenAddr, Handler: nodeListener}
	adminSrv := &http.Server{Addr: cfg.AdminListenAddr, Handler: adminMux}

	go func() {
		log.Info("client listener starting", "addr", cfg.ClientListenAddr)
		if err := clientSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("client listener stopped", "err", err)
		}
	}()
	go func() {
		log.Info("node listener starting", "addr", cfg.NodeListenAddr)
		if err := nodeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("node listener stopped", "err", err)
		}
	}()
	go func() {
		log.Info("admin listener starting", "addr", cfg.AdminListenAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin listener stopped", "err", err)
		}
	}()

	log.Info("scheduler instance started", "instance_id", cfg.Routing.InstanceID)
	<-runCtx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	clientSrv.Shutdown(shutdownCtx)
	nodeSrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
