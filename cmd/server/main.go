package main

import (
	"context"

	"chathub/internal/cache"
	"chathub/internal/config"
	"chathub/internal/db"
	clog "chathub/internal/log"
	"chathub/internal/notify"
	"chathub/internal/presence"
	"chathub/internal/pubsub"
	"chathub/internal/ratelimit"
	"chathub/internal/server"
	"chathub/internal/service"
	"chathub/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与 redis 并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}

	bus := pubsub.NewRedisBus(rdb)
	hub := ws.NewHub(bus)
	if err := hub.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("hub start")
	}

	members := cache.NewMembers(rdb, gdb, cfg.MemberCacheTTL)
	limiter := ratelimit.New(rdb)
	tracker := presence.NewTracker(rdb, gdb, bus, cfg.PresenceDebounce)
	defer tracker.Stop()

	notiSvc := notify.NewService(gdb)
	userSvc := service.NewUserService(gdb, cfg)
	convSvc := service.NewConversationService(gdb, members)
	msgSvc := service.NewMessageService(gdb, members, notiSvc)

	gw := ws.NewGateway(cfg, gdb, hub, members, limiter, msgSvc, tracker)
	h := server.NewHandler(cfg, userSvc, convSvc, msgSvc, notiSvc, hub, limiter)

	r := server.SetupRouter(cfg, gdb, h, gw)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
