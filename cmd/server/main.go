package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-groupchat/internal/api"
	"github.com/npezzotti/go-groupchat/internal/config"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/events"
	"github.com/npezzotti/go-groupchat/internal/presence"
	"github.com/npezzotti/go-groupchat/internal/server"
	"github.com/npezzotti/go-groupchat/internal/stats"
)

const (
	defaultAddr       = "localhost:8000"
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

	memoryDSN = "memory://"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	addr           string
	dsn            string
	signingKey     string
	redisURL       string
	allowedOrigins stringSliceFlag
	kafkaBrokers   stringSliceFlag
	demoAccounts   stringSliceFlag
	printToken     int
)

// loadConfig layers defaults, .env, environment, the YAML file and flags,
// later sources winning.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}

	f := &config.File{
		Addr:          defaultAddr,
		DatabaseDSN:   defaultDSN,
		SigningSecret: defaultSigningKey,
	}
	f.Merge(config.FromEnv())

	if configPath != "" {
		fromFile, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		f.Merge(fromFile)
	}

	f.Merge(&config.File{
		Addr:           addr,
		DatabaseDSN:    dsn,
		SigningSecret:  signingKey,
		RedisURL:       redisURL,
		AllowedOrigins: allowedOrigins,
		Kafka:          config.Kafka{Brokers: kafkaBrokers},
	})

	return f.Config()
}

type repository interface {
	database.GoChatRepository
	Close() error
}

type memoryRepository struct {
	*database.MemoryRepository
}

func (memoryRepository) Close() error { return nil }

func openRepository(cfg *config.Config, logger *log.Logger) (repository, error) {
	if cfg.DatabaseDSN == memoryDSN {
		db := database.NewMemoryRepository()
		for i, name := range demoAccounts {
			db.AddAccount(i+1, name)
			logger.Printf("added account %q with id %d", name, i+1)
		}
		return memoryRepository{db}, nil
	}

	if err := database.Migrate(cfg.DatabaseDSN); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.NewPgGoChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "server address (default "+defaultAddr+")")
	flag.StringVar(&dsn, "dsn", "", "database connection string, or "+memoryDSN+" for an in-memory store")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key")
	flag.StringVar(&redisURL, "redis-url", "", "redis URL for the shared presence registry")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&kafkaBrokers, "kafka-brokers", "comma-separated list of kafka brokers")
	flag.Var(&demoAccounts, "demo-accounts", "comma-separated usernames to create in the in-memory store")
	flag.IntVar(&printToken, "print-token", 0, "print an identity token for the given user id and exit")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-groupchat] ", log.LstdFlags)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("config:", err)
	}

	if printToken > 0 {
		token, err := api.CreateToken(cfg.SigningKey, printToken, 24*time.Hour)
		if err != nil {
			logger.Fatal("create token:", err)
		}
		fmt.Println(token)
		return
	}

	dbConn, err := openRepository(cfg, logger)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	opts := []server.Option{
		server.WithRateLimit(server.RateLimit{
			PerSecond: cfg.Limits.MessagesPerSecond,
			Burst:     cfg.Limits.Burst,
		}),
	}

	if cfg.RedisURL != "" {
		registry, err := presence.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer registry.Close()
		opts = append(opts, server.WithPresence(registry))
		logger.Println("using redis presence registry")
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.MessageTopic)
		defer publisher.Close()
		opts = append(opts, server.WithPublisher(publisher))
		logger.Printf("publishing message events to %q", cfg.MessageTopic)
	}

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater, opts...)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewNotificationConsumer(cfg.KafkaBrokers, cfg.NotificationTopic, cfg.ConsumerGroup, chatServer, logger)
		defer consumer.Close()
		go consumer.Run(consumerCtx)
		logger.Printf("consuming notifications from %q", cfg.NotificationTopic)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	stopConsumer()

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
