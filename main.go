package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"instabot_go/internal/auth"
	"instabot_go/internal/clients"
	"instabot_go/internal/config"
	"instabot_go/internal/groups"
	"instabot_go/internal/middleware"
	"instabot_go/internal/tasks"
	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/instagram"
	"instabot_go/pkg/script"
	"instabot_go/pkg/state"
	"instabot_go/pkg/storage"
	"instabot_go/pkg/telegram"

	"github.com/alexflint/go-arg"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type Args struct {
	Config      string `arg:"-c,--config,env:INSTABOT_CONFIG" help:"path to YAML config"`
	MigrateOnly bool   `arg:"--migrate-only" help:"apply migrations and exit"`
}

func main() {
	var args Args
	arg.MustParse(&args)

	cfg, err := config.Load(args.Config)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// Инициализация подключения к БД
	dbConn, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.Ping(); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}
	db := storage.NewDB(dbConn)
	if cfg.Database.Migrate || args.MigrateOnly {
		if err := db.Migrate(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}
	if args.MigrateOnly {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis ping failed: %v", err)
	}

	dm, err := docker.NewManager(docker.Config{
		Image:   cfg.Docker.Image,
		Network: cfg.Docker.Network,
		Workdir: cfg.Docker.Workdir,
		User:    cfg.Docker.User,
		Command: cfg.Docker.Command,
	}, log.StandardLogger())
	if err != nil {
		log.Fatalf("Docker client failed: %v", err)
	}
	defer dm.Close()

	gen, err := script.New()
	if err != nil {
		log.Fatalf("Script templates failed: %v", err)
	}

	notifier := setupNotifier(ctx, cfg)

	logger := log.StandardLogger()
	st := state.NewStore(rdb)
	taskSvc := tasks.NewService(db, dm, st, gen, notifier, tasks.NewClientLocks(logger), tasks.Config{
		CallbackBase: strings.TrimRight(cfg.HTTP.PublicURL, "/"),
		LogDir:       cfg.Docker.LogDir,
		TailLines:    cfg.Tasks.LogTailLines,
	}, logger)
	go taskSvc.RunReconciler(ctx, cfg.Tasks.ReconcileInterval)

	groupSvc := groups.NewService(db, dm, taskSvc, cfg.GroupDelay(), logger)
	defer groupSvc.Shutdown()

	r := setupRouter(cfg, db, dm, st, gen, taskSvc, groupSvc)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown: %v", err)
	}
}

// setupNotifier запускает Telegram-бота, если он включён в конфиге.
func setupNotifier(ctx context.Context, cfg *config.Config) telegram.Notifier {
	if !cfg.Telegram.Enabled {
		return telegram.Nop{}
	}
	tc := telegram.Config{
		AppID:    cfg.Telegram.AppID,
		AppHash:  cfg.Telegram.AppHash,
		BotToken: cfg.Telegram.BotToken,
		Chat:     cfg.Telegram.Chat,
	}
	if cfg.Telegram.Proxy != "" {
		p, err := models.ParseProxy(cfg.Telegram.Proxy)
		if err != nil {
			log.Fatalf("Invalid telegram proxy: %v", err)
		}
		tc.Proxy = p
	}
	bot := telegram.NewBot(tc, log.StandardLogger())
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("[TELEGRAM] notifier stopped: %v", err)
		}
	}()
	return bot
}

// Настройка маршрутов
func setupRouter(cfg *config.Config, db *storage.DB, dm *docker.Manager, st *state.Store,
	gen *script.Generator, taskSvc *tasks.Service, groupSvc *groups.Service) *gin.Engine {
	logger := log.StandardLogger()
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	tokens := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.AccessTTL)
	authRequired := middleware.AuthRequired(tokens)

	authSvc := auth.NewService(db, tokens, cfg.Auth.RefreshTTL, logger)
	auth.SetupRoutes(r.Group("/auth"), auth.NewHandler(authSvc, auth.HandlerConfig{
		AccessTTL:    cfg.Auth.AccessTTL,
		RefreshTTL:   cfg.Auth.RefreshTTL,
		CookieSecure: cfg.Auth.CookieSecure,
	}, logger), authRequired)

	groups.SetupRoutes(r.Group("/groups", authRequired), groups.NewHandler(groupSvc, logger))

	ig := instagram.NewService(dm, gen, logger)
	clientSvc := clients.NewService(db, ig, dm, st, taskSvc, gen, cfg.Docker.LogDir, logger)
	clients.SetupRoutes(r.Group("/clients", authRequired), clients.NewHandler(clientSvc, logger))

	tasks.SetupRoutes(r.Group("/tasks"), tasks.NewHandler(taskSvc, logger), authRequired)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for _, ri := range r.Routes() {
		logger.Debugf("[ROUTER] %s %s", ri.Method, ri.Path)
	}
	return r
}

// requestLogger пишет строку лога на каждый запрос.
func requestLogger(logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(log.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"latency": time.Since(start),
		}).Info("[HTTP]")
	}
}
