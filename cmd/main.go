package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/concrnt/ccworld-ap-relay/ap"
	"github.com/concrnt/ccworld-ap-relay/apclient"
	"github.com/concrnt/ccworld-ap-relay/api"
	"github.com/concrnt/ccworld-ap-relay/domainblock"
	"github.com/concrnt/ccworld-ap-relay/signature"
	"github.com/concrnt/ccworld-ap-relay/store"
	"github.com/concrnt/ccworld-ap-relay/worker"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func main() {
	e := echo.New()

	configPaths := []string{}
	configPath := os.Getenv("RELAY_CONFIG")
	if configPath != "" {
		configPaths = append(configPaths, configPath)
	}

	additionalConfigs := os.Getenv("RELAY_CONFIGS")
	if additionalConfigs != "" {
		for _, v := range strings.Split(additionalConfigs, ":") {
			configPaths = append(configPaths, v)
		}
	}

	if len(configPaths) == 0 {
		configPaths = append(configPaths, "/etc/ccworld-ap-relay/config.yaml")
	}

	config, err := LoadConfig(configPaths)
	if err != nil {
		slog.Error("Failed to load config: ", slog.String("error", err.Error()))
		panic(err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	relayLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(relayLog)

	slog.Info(fmt.Sprintf("CCWorld ActivityPub Relay %s starting...", version),
		slog.String("buildMachine", buildMachine),
		slog.String("buildTime", buildTime),
		slog.String("goVersion", goVersion),
	)
	slog.Info(fmt.Sprintf("Relay actor: %s", config.Relay.ActorID()))

	config.NodeInfo.Version = "2.1"
	config.NodeInfo.Software.Name = "ccworld-ap-relay"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}
	config.NodeInfo.Services.Inbound = []string{}
	config.NodeInfo.Services.Outbound = []string{}

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, config.Relay.Hostname+"/relay", version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.Relay.Hostname, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("relay"))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold:             300 * time.Millisecond, // Slow SQL threshold
			LogLevel:                  logger.Warn,            // Log level
			IgnoreRecordNotFoundError: true,                   // Ignore ErrRecordNotFound error for logger
			Colorful:                  true,                   // Enable color
		},
	)

	dialector := postgres.Open(config.Server.Dsn)
	if config.Server.Driver == "sqlite" {
		dialector = sqlite.Open(config.Server.Dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName(config.Server.Driver),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	// Migrate the schema
	slog.Info("start migrate")
	err = store.Migrate(db)
	if err != nil {
		panic(err)
	}

	var mc *memcache.Client
	if config.Server.MemcachedAddr != "" {
		mc = memcache.New(config.Server.MemcachedAddr)
		defer mc.Close()
	}

	var rdb *redis.Client
	var dedupe ap.Deduper
	if config.Server.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.Server.RedisAddr,
			Password: "", // no password set
			DB:       config.Server.RedisDB,
		})
		err = redisotel.InstrumentTracing(
			rdb,
			redisotel.WithAttributes(
				attribute.KeyValue{
					Key:   "db.name",
					Value: attribute.StringValue("redis"),
				},
			),
		)
		if err != nil {
			panic("failed to setup tracing plugin")
		}
		dedupe = ap.NewRedisDeduper(rdb, config.Relay.DedupeTTL)
	}

	codec, err := signature.NewCodec(config.Relay)
	if err != nil {
		panic(err)
	}

	storeService := store.NewStore(db)
	apclient := apclient.NewApClient(mc, codec, config.Relay, relayLog)
	verifier := signature.NewVerifier(apclient)
	blocks := domainblock.NewEngine(storeService, relayLog)

	apService := ap.NewService(
		storeService,
		blocks,
		apclient,
		dedupe,
		codec,
		config.NodeInfo,
		config.Relay,
		relayLog,
	)
	apHandler := ap.NewHandler(apService, verifier)

	apiService := api.NewService(storeService, apclient, config.Relay, relayLog)
	apiHandler := api.NewHandler(apiService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := worker.NewWorker(rdb, storeService, apclient, config.Relay, relayLog)
	worker.Run(ctx)

	e.GET("/.well-known/host-meta", apHandler.HostMeta)
	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)
	e.GET("/nodeinfo/2.1.json", apHandler.NodeInfo)

	e.GET("/actor", apHandler.Actor)
	e.POST("/inbox", apHandler.Inbox)

	apiHandler.Register(e.Group("/api", api.KeyAuth(config.Relay.APIKey)))

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.PingContext(ctx)
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		if rdb != nil {
			err = rdb.Ping(ctx).Err()
			if err != nil {
				return c.String(http.StatusInternalServerError, "redis error")
			}
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("RELAY_PORT")
	if envport != "" {
		port = ":" + envport
	}

	go func() {
		err := e.Start(port)
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", slog.String("error", err.Error()))
	}
}
