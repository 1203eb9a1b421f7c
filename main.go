package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/assign"
	"boardsync/domain"
	"boardsync/hub"
	"boardsync/repair"
	"boardsync/storage"
)

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := envDefault("TASKS_TABLE", "tasks")
	usersTable := envDefault("USERS_TABLE", "users")
	boardsTable := envDefault("BOARDS_TABLE", "boards")
	logsTable := envDefault("LOGS_TABLE", "actionlogs")
	recountQueueName := envDefault("RECOUNT_QUEUE", "recounts")
	if connStr == "" {
		logger.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTable, usersTable, boardsTable, logsTable)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	rc := redis.NewClient(redisOptions(logger))
	balancer := assign.New(rc, store)

	recountQueue, err := repair.NewQueue(connStr, recountQueueName)
	if err != nil {
		logger.Fatalf("recount queue: %v", err)
	}
	dispatcher := repair.NewDispatcher(recountQueue,
		envInt("RECOUNT_WORKERS", 4), envInt("RECOUNT_BUFFER", 1024), logger)
	defer dispatcher.Close()

	rooms := hub.New(logger)
	bridge := hub.NewBridge(rc, rooms, os.Getenv("EVENTS_CHANNEL"), logger)

	tasks := domain.NewTaskService(store, balancer, rooms, dispatcher, logger)

	ttl := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		ttl = d
	}
	deduper := api.NewRedisDeduper(rc, ttl)
	auth := buildAuth(logger)

	allowedOrigins := splitList(os.Getenv("ALLOWED_ORIGINS"))
	ws := api.NewWSHandler(rooms, auth, store, logger, originChecker(allowedOrigins))

	e := echo.New()
	e.HideBanner = true
	e.Use(api.CORSMiddleware(allowedOrigins))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, tasks, store, auth, deduper, ws, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go bridge.Run(ctx)

	worker := repair.NewWorker(recountQueue.Client(), balancer, store, logger)
	go worker.Run(ctx)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	if err := e.Start(listenAddr); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server: %v", err)
	}
}

func buildAuth(logger *log.Logger) *api.Auth {
	if strings.EqualFold(os.Getenv("LOCAL_AUTH_MODE"), "hs256") {
		return api.NewAuth(nil, os.Getenv("JWT_AUDIENCE"), os.Getenv("JWT_ISSUER"))
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	authDomain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || authDomain == "" {
		logger.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		logger.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+authDomain+"/")
}

// redisOptions accepts either a redis URL or the comma separated
// host,password=...,ssl=true form used by managed caches.
func redisOptions(logger *log.Logger) *redis.Options {
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		logger.Fatal("missing redis config")
	}
	opts, err := redis.ParseURL(redisConn)
	if err == nil {
		return opts
	}
	parts := strings.Split(redisConn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
