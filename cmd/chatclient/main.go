package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/chat"
	"sudooom.im.client/internal/chatapi"
	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/connection"
	"sudooom.im.client/internal/identity"
	imNats "sudooom.im.client/internal/nats"
	"sudooom.im.client/internal/session"
	"sudooom.im.client/internal/status"
	"sudooom.im.client/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	token := flag.String("token", "", "access token; saved to the session store when given")
	userID := flag.String("user", "", "own user id; saved with -token")
	flag.Parse()

	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	// 加载配置
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志，REPL 占用 stdout
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis 仅在需要时连接
	var redisClient *redis.Client
	if cfg.Session.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()
		logger.Info("Using Redis session store", "addr", cfg.Redis.Addr())
	}

	// 加载本地会话
	store := newSessionStore(cfg.Session, redisClient)
	sess, err := loadSession(ctx, store, *token, *userID)
	if err != nil {
		logger.Error("Failed to load session", "error", err)
		os.Exit(1)
	}
	resolver := identity.NewResolver(sess)
	ownID, ok := resolver.CurrentUserID()
	if !ok {
		logger.Warn("Current user id cannot be resolved; sending and starting chats are disabled")
	}

	// 共享连接
	manager := connection.NewManager(connection.Options{
		URL:               cfg.Server.WSURL,
		HandshakeTimeout:  cfg.Connection.HandshakeTimeout,
		WriteTimeout:      cfg.Connection.WriteTimeout,
		HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		Backoff: connection.BackoffOptions{
			InitialInterval:     cfg.Connection.Backoff.InitialInterval,
			MaxInterval:         cfg.Connection.Backoff.MaxInterval,
			Multiplier:          cfg.Connection.Backoff.Multiplier,
			RandomizationFactor: cfg.Connection.Backoff.RandomizationFactor,
			MaxAttempts:         cfg.Connection.Backoff.MaxAttempts,
		},
	}, nil)
	lease := manager.Acquire(resolver.Token())
	defer lease.Release()

	opts := chat.Options{
		DedupWindow: cfg.Chat.DedupWindow,
		PageSize:    cfg.Chat.PageSize,
	}

	// NATS 事件桥接（可选）
	var natsClient *imNats.Client
	if cfg.NATS.Enabled && ownID != "" {
		natsClient, err = imNats.NewClient(cfg.NATS, cfg.App.Name+":"+ownID)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		logger.Info("NATS event bridge enabled", "url", cfg.NATS.URL)

		opts.Sink = imNats.NewEventPublisher(natsClient.Conn(), cfg.NATS.SubjectPrefix, ownID)
	}

	api := chatapi.NewClient(cfg.Server.APIBaseURL, cfg.Server.RequestTimeout, resolver)
	svc := chat.NewService(resolver, lease, api, opts)
	defer svc.Close()

	if natsClient != nil {
		pool := workerpool.New("nats-commands", cfg.NATS.Workers, cfg.NATS.QueueSize)
		defer pool.Shutdown()

		subscriber := imNats.NewCommandSubscriber(natsClient.Conn(), cfg.NATS.SubjectPrefix, ownID, svc).UsePool(pool)
		if err := subscriber.Start(ctx); err != nil {
			logger.Error("Failed to start command subscriber", "error", err)
			os.Exit(1)
		}
		defer subscriber.Stop()
	}

	// 状态服务（可选）
	if cfg.Status.Enabled {
		checker := status.NewChecker(natsConn(natsClient), redisClient, svc)
		statusServer := status.NewServer(cfg.Status.Addr, status.NewRouter(checker, svc, logger, cfg.Status.AllowedOrigins...))
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statusServer.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		if err := svc.LoadRooms(ctx); err != nil {
			logger.Warn("Initial room listing failed", "error", err)
		}
	}()

	logger.Info("Chat client started",
		"ws_url", cfg.Server.WSURL,
		"user_id", ownID)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	replDone := make(chan struct{})
	go func() {
		defer close(replDone)
		newREPL(svc, os.Stdin, os.Stdout).Run(ctx)
	}()

	select {
	case <-quit:
	case <-replDone:
	}

	logger.Info("Shutting down chat client...")
	cancel()
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func newSessionStore(cfg config.SessionConfig, redisClient *redis.Client) session.Store {
	if cfg.Backend == "redis" && redisClient != nil {
		return session.NewRedisStore(redisClient, cfg.Profile, cfg.TTL)
	}
	return session.NewFileStore(expandHome(cfg.File))
}

// loadSession 命令行给出 token 时写入会话存储，否则读取已有会话
func loadSession(ctx context.Context, store session.Store, token, userID string) (identity.Session, error) {
	if token != "" {
		sess := identity.Session{AccessToken: token}
		if userID != "" {
			sess.User = &identity.User{UserID: userID}
		}
		if err := store.Save(ctx, sess); err != nil {
			return identity.Session{}, err
		}
		return sess, nil
	}
	return store.Load(ctx)
}

func natsConn(c *imNats.Client) *nats.Conn {
	if c == nil {
		return nil
	}
	return c.Conn()
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
