package main

import (
	"context"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/logger"
	"github.com/Tyrowin/gochat-gateway/internal/presence"
	"github.com/Tyrowin/gochat-gateway/internal/server"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

type options struct {
	configPath string
	port       string
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVarP(&opts.port, "port", "p", "", "listen address, overrides SERVER_PORT")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func loadConfig(opts options) (*server.Config, error) {
	var (
		cfg *server.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = server.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = server.NewConfigFromEnv()
	}
	if opts.port != "" {
		cfg.Port = opts.port
		if cfg.Port[0] != ':' {
			cfg.Port = ":" + cfg.Port
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	validator, err := auth.NewJWTValidator(cfg.JWTSecret)
	if err != nil {
		log.Fatal("token validator unavailable", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// Backends close after the hub so queued presence writes can drain.
	var backends []func()

	var presenceStore presence.Store
	if cfg.RedisURL != "" || cfg.RedisAddr != "" {
		client, err := presence.NewRedisClient(ctx, presence.RedisConfig{
			URL:      cfg.RedisURL,
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("redis unavailable, presence kept in memory", zap.Error(err))
		} else {
			presenceStore = presence.NewRedisStore(client, cfg.PresenceTTL)
			backends = append(backends, func() {
				if err := client.Close(); err != nil {
					log.Warn("redis close failed", zap.Error(err))
				}
			})
		}
	}
	if presenceStore == nil {
		presenceStore = presence.NewMemoryStore(cfg.PresenceTTL)
	}

	var persistence server.ChatPersistence
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable", zap.Error(err))
		}
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("schema setup failed", zap.Error(err))
		}
		persistence = pg
		backends = append(backends, pool.Close)
	} else {
		log.Warn("DATABASE_URL not set, messages are kept in memory")
		persistence = store.NewMemory()
	}

	hub, err := server.NewHub(cfg, server.Dependencies{
		Validator:   validator,
		Persistence: persistence,
		Presence:    presenceStore,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("hub setup failed", zap.Error(err))
	}
	hub.Start()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))
	go func() {
		if err := server.StartServer(httpServer, log); err != nil {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	log.Info("chat gateway started",
		zap.String("addr", cfg.Port),
		zap.String("server_id", cfg.ServerID),
	)

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			return server.ShutdownServer(ctx, httpServer)
		},
		"hub": func(context.Context) error {
			err := hub.Shutdown(shutdownTimeout)
			for _, closeBackend := range backends {
				closeBackend()
			}
			return err
		},
	})
	exitCode := <-wait
	log.Info("chat gateway stopped", zap.Int("exit_code", exitCode))
	_ = log.Sync()
	os.Exit(exitCode)
}
