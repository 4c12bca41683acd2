package main

import (
	"context"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"roomgw/config"
	"roomgw/logger"
	"roomgw/service/auth"
	"roomgw/service/bridge"
	"roomgw/service/chat"
	"roomgw/service/delivery"
	"roomgw/service/presence"
	"roomgw/service/ratelimit"
	"roomgw/service/rooms"
	"roomgw/service/storage"
	storeredis "roomgw/service/storage/redis"
	"roomgw/service/typing"
	"roomgw/tools/ids"
	"roomgw/tools/safe"
)

func main() {
	cfg := config.Load()
	defer logger.Sync()

	// Snowflake node id derives from the gateway id so replicas never collide
	// on ids as long as their GATEWAY_IDs differ.
	h := fnv.New32a()
	_, _ = h.Write([]byte(cfg.GatewayID))
	ids.SetNodeID(int64(h.Sum32() % 1024))

	logger.Infof("[gateway] starting id=%s backend=%s addr=%s", cfg.GatewayID, cfg.BridgeBackend, cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(cfg)
	if err != nil {
		logger.Errorf("[gateway] bridge init: %v", err)
		os.Exit(1)
	}
	defer b.Close()

	// "memory" runs everything in-process: no redis, no postgres. Any real
	// backend gets the shared stores so presence and cursors survive the
	// process.
	var (
		presStore   presence.Store
		cursorStore storage.CursorStore
	)
	if cfg.BridgeBackend == "memory" {
		presStore = presence.NewMemoryStore()
		cursorStore = storage.NewMemoryCursorStore()
	} else {
		rdb, err := storeredis.New(storeredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Errorf("[gateway] redis init: %v", err)
			os.Exit(1)
		}
		defer rdb.Close()
		presStore = presence.NewRedisStore(rdb)
		cursorStore = storage.NewRedisCursorStore(rdb)
	}

	var store storage.MessageStore
	if cfg.PostgresDSN != "" {
		pg, err := storage.NewPgStore(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Errorf("[gateway] postgres init: %v", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("[gateway] PG_DSN empty, using in-memory message store")
		store = storage.NewMemoryStore()
	}

	var verifier auth.TokenVerifier
	if len(cfg.JWTSecret) > 0 {
		verifier, err = auth.NewJWTVerifier(auth.DefaultOptions(cfg.JWTSecret))
		if err != nil {
			logger.Errorf("[gateway] jwt init: %v", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("[gateway] GW_JWT_SECRET empty, tokens are trusted as user ids")
		verifier = auth.InsecureVerifier{}
	}

	var moderator storage.Moderator
	if len(cfg.ModerationWords) > 0 {
		moderator = storage.NewKeywordModerator(cfg.ModerationWords)
	}

	registry := rooms.NewRegistry()
	limiter := ratelimit.New(ratelimit.Conf{
		MessagesPerSec: cfg.MessagesPerSec,
		MessageBurst:   cfg.MessageBurst,
		TypingPerSec:   cfg.TypingPerSec,
		TypingBurst:    cfg.TypingBurst,
	})
	defer limiter.Close()

	tracker := presence.NewTracker(presence.Conf{
		GatewayID:  cfg.GatewayID,
		TTL:        cfg.PresenceTTL,
		SweepEvery: cfg.SweepEvery,
	}, presStore, b)
	defer tracker.Close()

	typer := typing.NewBroadcaster(cfg.GatewayID, b, cfg.TypingStopAfter)

	pipeline := delivery.NewPipeline(delivery.Conf{
		GatewayID:       cfg.GatewayID,
		ModerationScore: cfg.ModerationScore,
		ModerateTimeout: cfg.ModerateTimeout,
		PersistTimeout:  cfg.PersistTimeout,
		AckTimeout:      cfg.AckTimeout,
	}, store, moderator, b, registry, limiter)

	sessions := chat.NewSessionManager(chat.ManagerConf{
		UnauthTTL:   cfg.AuthTimeout,
		AuthTTL:     cfg.PresenceTTL,
		SweepEvery:  cfg.SweepEvery,
		MaxPerUser:  cfg.MaxSessionsPer,
		EvictOldest: true,
	})

	server, err := chat.NewServer(chat.ServerConf{
		GatewayID:       cfg.GatewayID,
		AuthTimeout:     cfg.AuthTimeout,
		HeartbeatEvery:  cfg.HeartbeatEvery,
		SendQueueSize:   cfg.SendQueueSize,
		SyncBatchLimit:  cfg.SyncBatchLimit,
		BackfillTimeout: cfg.BackfillTimeout,
		CursorGrace:     cfg.CursorGrace,
	}, sessions, registry, tracker, typer, pipeline, b, limiter, store, cursorStore, verifier)
	if err != nil {
		logger.Errorf("[gateway] server init: %v", err)
		os.Exit(1)
	}
	defer server.Close()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	server.Routes(r)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	safe.Go(func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[gateway] listen: %v", err)
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("[gateway] shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warnf("[gateway] http shutdown: %v", err)
	}
}

func newBridge(cfg config.Config) (bridge.Bridge, error) {
	switch cfg.BridgeBackend {
	case "rabbitmq":
		return bridge.NewRabbitBridge(cfg.RabbitURL)
	case "memory":
		return bridge.NewMemoryBridge(), nil
	default:
		return bridge.NewNatsBridge(bridge.NatsConfig{
			Servers:    cfg.NATSServers,
			Name:       cfg.GatewayID,
			GatherWait: cfg.CountGatherWait,
		})
	}
}
