package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/pplabs/chatwire/config"
	"github.com/pplabs/chatwire/logger"
	"github.com/pplabs/chatwire/server"
)

var configPath = flag.String("config", "", "gateway configuration file (yaml)")

func main() {
	flag.Parse()
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		*configPath = envPath
	}

	cfg := config.MustRead(*configPath)
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		seq  server.Sequencer
		pres server.PresenceStore
		hist server.HistoryStore
	)
	if cfg.MemStore {
		mem := server.NewMemStore()
		seq, pres, hist = mem, mem, mem
	} else {
		redis, err := server.NewRedisStore(server.RedisConf{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Errorf("[main] redis: %v", err)
			os.Exit(1)
		}
		defer redis.Close()

		mongo, err := server.NewMongoHistory(ctx, server.MongoConf{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			logger.Errorf("[main] mongo: %v", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = mongo.Close(closeCtx)
		}()

		seq, pres, hist = redis, redis, mongo
	}

	router := server.NewRoomRouter(server.RouterConf{
		GatewayID:   cfg.GatewayID,
		PresenceTTL: cfg.PresenceTTL,
	}, server.NewConnManager(), seq, pres, hist)

	if !cfg.MemStore {
		fanout, err := server.NewNatsFanout(server.NatsConf{
			URL:  cfg.NATS.URL,
			Name: "chatwire-" + cfg.GatewayID,
		}, router.HandleFanout)
		if err != nil {
			logger.Errorf("[main] nats: %v", err)
			os.Exit(1)
		}
		defer fanout.Close()
		router.SetFanout(fanout)
	}

	auth := server.NewAuthenticator([]byte(cfg.JWT.Secret), cfg.JWT.Alg, cfg.JWT.TTL)
	srv := server.NewServer(auth, router)
	if err := srv.Run(ctx, cfg.Port); err != nil {
		logger.Errorf("[main] server: %v", err)
		os.Exit(1)
	}
}
