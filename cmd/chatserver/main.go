// Command chatserver runs the chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/lpchat/cache"
	"github.com/cyberinferno/lpchat/config"
	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/registry"
	"github.com/cyberinferno/lpchat/session"
	"github.com/cyberinferno/lpchat/sqlstore"
	"github.com/cyberinferno/lpchat/store"
	"github.com/cyberinferno/lpchat/tcpserver"
)

const serviceName = "lpchat"

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const statsInterval = time.Minute

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	// a missing .env is fine; the environment may be set some other way
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		return exitConfig, err
	}

	fs := pflag.NewFlagSet("chatserver", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}

	if err := cfg.Validate(); err != nil {
		return exitConfig, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return exitConfig, err
	}
	defer func() { _ = log.Close() }()

	db, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		log.Info("closing database")
		_ = db.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, closeCache, err := newUserStore(ctx, cfg, db, log)
	if err != nil {
		return exitRuntime, err
	}
	defer closeCache()

	reg := registry.New(log.With(logger.Field{Key: "component", Value: "registry"}))
	svc := session.Services{Users: users, Groups: db.Groups(), Messages: db.Messages()}
	sessionCfg := cfg.SessionConfig()

	srv := tcpserver.NewTCPServer(serviceName, cfg.ListenAddr(),
		func(id uint32, conn net.Conn) tcpserver.TCPServerSession {
			return session.New(id, conn, reg, svc, sessionCfg, log)
		}, log)
	srv.Workers = cfg.Workers
	srv.TickInterval = cfg.TickInterval

	if err := srv.Start(); err != nil {
		return exitRuntime, err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		srv.Stop()
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				log.Info("stats",
					logger.Field{Key: "sessions", Value: srv.SessionCount()},
					logger.Field{Key: "identified", Value: reg.Len()})
			}
		}
	})

	if err := group.Wait(); err != nil {
		return exitRuntime, err
	}

	return exitOK, nil
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir == "" {
		return logger.NewConsoleLogger(os.Stdout, serviceName, level), nil
	}

	return logger.NewZerologFileLogger(serviceName, cfg.LogDir, level)
}

// newUserStore puts a cache in front of the SQLite users table: redis when
// an address is configured, in-process otherwise. A zero TTL disables it.
func newUserStore(ctx context.Context, cfg config.Config, db *sqlstore.DB, log logger.Logger) (store.UserStore, func(), error) {
	if cfg.UserCacheTTL == 0 {
		return db.Users(), func() {}, nil
	}

	cacheLog := log.With(logger.Field{Key: "component", Value: "user-cache"})
	if cfg.RedisAddr == "" {
		c := cache.NewMemory[store.User](2 * cfg.UserCacheTTL)
		return store.NewCachedUserStore(db.Users(), c, cfg.UserCacheTTL, cacheLog), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}

	cacheLog.Info("using redis", logger.Field{Key: "addr", Value: cfg.RedisAddr})
	c := cache.NewRedis[store.User](client, serviceName+":")
	return store.NewCachedUserStore(db.Users(), c, cfg.UserCacheTTL, cacheLog), func() { _ = client.Close() }, nil
}
