package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/npezzotti/go-strangerchat/internal/api"
	"github.com/npezzotti/go-strangerchat/internal/blob"
	"github.com/npezzotti/go-strangerchat/internal/chat"
	"github.com/npezzotti/go-strangerchat/internal/config"
	"github.com/npezzotti/go-strangerchat/internal/database"
	"github.com/npezzotti/go-strangerchat/internal/fanout"
	"github.com/npezzotti/go-strangerchat/internal/matchmaker"
	"github.com/npezzotti/go-strangerchat/internal/presence"
	"github.com/npezzotti/go-strangerchat/internal/server"
	"github.com/npezzotti/go-strangerchat/internal/stats"
)

const presenceInterval = 5 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configFile     string
	addr           string
	dsn            string
	redisAddr      string
	blobPath       string
	signingSecret  string
	instanceId     string
	kafkaTopic     string
	allowedOrigins stringSliceFlag
	kafkaBrokers   stringSliceFlag
)

func main() {
	// optional; local development keeps its settings in .env
	_ = godotenv.Load()

	flag.StringVar(&configFile, "config", os.Getenv("SC_CONFIG"), "path to config file")
	flag.StringVar(&addr, "addr", os.Getenv("SC_ADDR"), "server address")
	flag.StringVar(&dsn, "dsn", os.Getenv("SC_DSN"), "database connection string")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("SC_REDIS_ADDR"), "redis address")
	flag.StringVar(&blobPath, "blob-path", os.Getenv("SC_BLOB_PATH"), "attachment store path")
	flag.StringVar(&signingSecret, "signing-key", os.Getenv("SC_SIGNING_KEY"), "base64 encoded signing key")
	flag.StringVar(&instanceId, "instance-id", os.Getenv("SC_INSTANCE_ID"), "unique id for this server instance")
	flag.StringVar(&kafkaTopic, "kafka-topic", os.Getenv("SC_KAFKA_TOPIC"), "kafka topic for cross-instance fanout")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Var(&kafkaBrokers, "kafka-brokers", "comma-separated list of kafka brokers")
	flag.Parse()

	logger := log.New(os.Stderr, "[strangerchat] ", log.LstdFlags)

	if len(kafkaBrokers) == 0 && os.Getenv("SC_KAFKA_BROKERS") != "" {
		kafkaBrokers = strings.Split(os.Getenv("SC_KAFKA_BROKERS"), ",")
	}
	if len(allowedOrigins) == 0 && os.Getenv("SC_ALLOWED_ORIGINS") != "" {
		allowedOrigins = strings.Split(os.Getenv("SC_ALLOWED_ORIGINS"), ",")
	}

	cfg, err := config.NewConfig(config.Flags{
		ConfigFile:     configFile,
		ServerAddr:     addr,
		DatabaseDSN:    dsn,
		RedisAddr:      redisAddr,
		BlobPath:       blobPath,
		SigningSecret:  signingSecret,
		AllowedOrigins: allowedOrigins,
		KafkaBrokers:   kafkaBrokers,
		KafkaTopic:     kafkaTopic,
		InstanceId:     instanceId,
	})
	if err != nil {
		logger.Fatal("config: ", err)
	}

	dbConn, err := database.NewPgStrangerChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate: ", err)
	}

	blobStore, err := blob.NewPebbleStore(cfg.BlobPath)
	if err != nil {
		logger.Fatal("blob store: ", err)
	}
	defer func() {
		if err := blobStore.Close(); err != nil {
			logger.Println("blob store close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	liveness := presence.NewRedisStore(cfg.RedisAddr, cfg.PresenceTTL)
	tracker := presence.NewTracker(logger, dbConn, liveness, statsUpdater, presenceInterval)

	chatServer, err := server.NewChatServer(logger, dbConn, tracker, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	mm := matchmaker.NewMatchmaker(logger, dbConn, chatServer, statsUpdater)
	chatSvc := chat.NewService(logger, dbConn, blobStore, chatServer, chatServer, statsUpdater, cfg.DeliveryDelay)
	chatServer.AttachServices(mm, chatSvc)

	var bridge *fanout.Bridge
	if len(cfg.KafkaBrokers) > 0 {
		bridge = fanout.NewBridge(logger, cfg.KafkaBrokers, cfg.KafkaTopic, cfg.InstanceId, chatServer)
		chatServer.SetRemote(bridge)
		go bridge.Run()
	}

	srv := api.NewStrangerChatApp(mux, logger, chatServer, dbConn, chatSvc, tracker, blobStore, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go tracker.Run()
	go chatServer.Run()

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

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	chatServer.Shutdown()

	if bridge != nil {
		bridge.Shutdown()
	}

	tracker.Shutdown()

	logger.Println("shutdown complete")
}
