// Package main contains the entrypoint for the babelchat terminal client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/edgard/babelchat/internal/broadcast"
	"github.com/edgard/babelchat/internal/client"
	"github.com/edgard/babelchat/internal/client/tasks"
	"github.com/edgard/babelchat/internal/config"
	"github.com/edgard/babelchat/internal/database"
	"github.com/edgard/babelchat/internal/errs"
	"github.com/edgard/babelchat/internal/gateway"
	"github.com/edgard/babelchat/internal/gateway/postgres"
	"github.com/edgard/babelchat/internal/gateway/redisgw"
	"github.com/edgard/babelchat/internal/logger"
	"github.com/edgard/babelchat/internal/pipeline"
	"github.com/edgard/babelchat/internal/session"
	"github.com/edgard/babelchat/internal/syncer"
	"github.com/edgard/babelchat/internal/translate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires config, logger, stores, translator, pipeline, session and
// scheduler into a client, drives the terminal until exit and returns the
// process exit code.
func run(ctx context.Context) int {
	configPath := flag.StringP("config", "c", "./config.yaml", "Path to configuration file")
	room := flag.StringP("room", "r", "", "Room to join on startup")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	// logs go to stderr so they do not interleave with the chat on stdout
	log := logger.New(os.Stderr, cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open local database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	store := database.NewStore(db, log)
	defer store.Close()

	gw, redisClient, closeGateway, err := openGateway(ctx, cfg, store, log)
	if err != nil {
		log.Error("Failed to connect to message store", "driver", cfg.Backend.Driver, "error", err)
		return 1
	}
	defer closeGateway()

	adapterOpts := []syncer.Option{syncer.WithHistoryLimit(cfg.Backend.HistoryLimit)}
	if cfg.Broadcast.NATSURL != "" {
		bus, err := broadcast.Connect(cfg.Broadcast.NATSURL, cfg.Broadcast.Subject, log)
		if err != nil {
			log.Error("Failed to connect to system event bus", "url", cfg.Broadcast.NATSURL, "error", err)
			return 1
		}
		defer bus.Close()
		adapterOpts = append(adapterOpts, syncer.WithSystemBus(bus))
	}
	adapter := syncer.NewAdapter(gw, log, adapterOpts...)

	var pipeOpts []pipeline.Option
	tr, err := translate.New(ctx, cfg.Translation, translationCache(cfg, store, redisClient, log), log)
	switch {
	case errs.Is(err, errs.KindConfigurationMissing):
		log.Warn("Translation disabled", "reason", err)
	case err != nil:
		log.Error("Failed to initialize translator", "provider", cfg.Translation.Provider, "error", err)
		return 1
	default:
		pipeOpts = append(pipeOpts, pipeline.WithTranslator(tr))
	}
	pipe := pipeline.New(adapter, log, pipeOpts...)

	taskFuncs := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:   log,
		Store:    store,
		CacheTTL: cfg.Translation.Cache.TTL,
	})
	sched, err := client.NewScheduler(log, &cfg.Scheduler, taskFuncs)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	c := client.NewClient(log, adapter, pipe, session.NewManager(store, log), sched, cfg.Backend.Timeout)

	term := newTerminal(os.Stdout, isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()))
	c.OnChange(term.render)
	c.OnSystemEvent(term.system)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(runCtx) }()

	if err := signIn(ctx, c, cfg.Session); err != nil {
		log.Error("Failed to start session", "email", cfg.Session.Email, "error", err)
		cancel()
		<-runErr
		return 1
	}
	if *room != "" {
		if err := c.JoinRoom(ctx, *room); err != nil {
			term.printf("! %s\n", describe(err))
		}
	}

	term.printf("type /help for commands\n")
	term.loop(runCtx, os.Stdin, c)
	log.Info("Terminal closed. Initiating shutdown...")

	c.Logout(context.Background())
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Client stopped due to error", "error", err)
		return 1
	}

	log.Info("Client stopped gracefully.")
	return 0
}

// openGateway connects the configured message store. The sqlite backend
// reuses the local store; redisClient is non-nil for the redis backend.
func openGateway(ctx context.Context, cfg *config.Config, local database.Store, log *slog.Logger) (gw gateway.Gateway, redisClient redis.UniversalClient, closeFn func(), err error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Backend.Timeout)
	defer cancel()

	switch cfg.Backend.Driver {
	case "postgres":
		pg, err := postgres.New(connectCtx, cfg.Backend.PostgresURL, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.ApplyMigrations(); err != nil {
			_ = pg.Close()
			return nil, nil, nil, err
		}
		return pg, nil, func() { _ = pg.Close() }, nil

	case "redis":
		rg, err := redisgw.New(connectCtx, cfg.Backend.RedisAddr, cfg.Backend.RedisDB, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return rg, rg.Client(), func() { _ = rg.Close() }, nil

	default:
		return local, nil, func() {}, nil
	}
}

// translationCache builds the configured result cache, or nil for none.
func translationCache(cfg *config.Config, local database.Store, redisClient redis.UniversalClient, log *slog.Logger) translate.Cache {
	switch cfg.Translation.Cache.Driver {
	case "sqlite":
		return translate.NewStoreCache(local)
	case "redis":
		if redisClient == nil {
			if cfg.Backend.RedisAddr == "" {
				log.Warn("Redis translation cache requires backend.redis_addr, caching disabled")
				return nil
			}
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Backend.RedisAddr, DB: cfg.Backend.RedisDB})
		}
		return translate.NewRedisCache(redisClient, "", cfg.Translation.Cache.TTL)
	default:
		return nil
	}
}

// signIn starts the configured session: a registered profile when an email
// is set, signing it up on first use, else a guest.
func signIn(ctx context.Context, c *client.Client, cfg config.SessionConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.Email == "" {
		_, err := c.Guest(cfg.Username, cfg.Language)
		return err
	}

	_, err := c.SignIn(ctx, cfg.Email)
	if errors.Is(err, session.ErrProfileNotFound) {
		username := cfg.Username
		if username == "" {
			username, _, _ = strings.Cut(cfg.Email, "@")
		}
		_, err = c.SignUp(ctx, username, cfg.Email, cfg.Language)
	}
	return err
}
