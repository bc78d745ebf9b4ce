package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"bizchat/server/chat/api"
	"bizchat/server/chat/directory"
	"bizchat/server/chat/service"
	"bizchat/server/chat/session"
	"bizchat/server/chat/store"
	commonauth "bizchat/server/common/auth"
	"bizchat/server/common/infra/cache"
	"bizchat/server/common/infra/db"
	"bizchat/server/common/infra/mq"
	commonlog "bizchat/server/common/log"
)

type Server struct {
	HTTPServer *http.Server
	DB         *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Hub        *service.Hub
	Publisher  *service.AMQPPublisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{Hub: service.NewHub()}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	if cfg.UseRedis {
		s.Redis = cache.NewClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := cache.Ping(ctx, s.Redis); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.Hub.UseRedis(s.Redis)
		if err := s.Hub.StartRedisSubscriber(context.Background()); err != nil {
			return nil, fmt.Errorf("subscribe hub events: %w", err)
		}
	}

	messages, err := s.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var bus *service.AMQPPublisher
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		bus, err = service.NewAMQPPublisher(s.MQConn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		s.Publisher = bus
	}

	var (
		dir      session.Directory
		registry api.Registry
	)
	if len(cfg.DirectoryEndpoints) > 0 {
		var source directory.Source = directory.NewClient(cfg.DirectoryEndpoints...)
		if s.Redis != nil {
			source = directory.NewCached(source, s.Redis, cfg.RosterCacheTTL)
		}
		dir = source
	} else {
		commonlog.Warnf("event=chat_server action=directory status=fallback reason=no_endpoints")
		memDir := directory.NewMemory()
		dir = memDir
		registry = memDir
	}

	deps := session.Deps{
		Store:       messages,
		Directory:   dir,
		Broadcaster: s.Hub,
		Relay:       s.Hub,
	}
	if bus != nil {
		deps.Broadcaster = service.NewPresenceFanout(s.Hub, bus)
		deps.Events = service.NewMessageEvents(bus)
	}
	sessionCfg := session.Config{
		IdleTimeout:    cfg.IdleTimeout,
		QuietPeriod:    cfg.QuietPeriod,
		RequestTimeout: cfg.RequestTimeout,
	}
	factory := func(id string, sink func(session.Event)) *session.Session {
		return session.New(id, deps, sessionCfg, sink)
	}

	h := api.NewHandler(commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes), s.Hub, factory)
	if registry != nil {
		h.UseRegistry(registry)
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	// websocket connections are long lived; no write timeout
	s.HTTPServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ok = true
	commonlog.Infof("event=chat_server action=init status=ok store=%s redis=%t mq=%t directory_endpoints=%d", cfg.Store, s.Redis != nil, s.MQConn != nil, len(cfg.DirectoryEndpoints))
	return s, nil
}

func (s *Server) openStore(ctx context.Context, cfg Config) (session.Store, error) {
	switch cfg.Store {
	case StoreMemory:
		return store.NewMemory(nil, cfg.SnapshotLimit), nil
	case StorePostgres:
		if s.Redis == nil {
			return nil, errors.New("postgres store needs redis for change notifications")
		}
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		s.DB = pool
		pg := store.NewPostgres(pool, cfg.SnapshotLimit)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store.NewLive(pg, s.Redis), nil
	default:
		return nil, fmt.Errorf("unknown CHAT_STORE %q", cfg.Store)
	}
}

func (s *Server) release() {
	if s.Hub != nil {
		s.Hub.StopRedisSubscriber()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}

// Shutdown stops accepting connections, closes every live session so its
// user goes offline, then releases the backing connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.Hub != nil {
		s.Hub.CloseAll()
	}
	s.release()
	return err
}
