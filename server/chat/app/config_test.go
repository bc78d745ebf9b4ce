package app_test

import (
	"context"
	"testing"
	"time"

	"bizchat/server/chat/app"
	"bizchat/server/chat/session"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := app.LoadConfig()
	if cfg.Store != app.StorePostgres {
		t.Fatalf("expected postgres store by default, got %q", cfg.Store)
	}
	if cfg.IdleTimeout != 5*time.Minute || cfg.QuietPeriod != 3*time.Second {
		t.Fatalf("unexpected timing defaults: idle=%s quiet=%s", cfg.IdleTimeout, cfg.QuietPeriod)
	}
	if cfg.SnapshotLimit != 500 || cfg.RosterCacheTTL != time.Minute {
		t.Fatalf("unexpected store defaults: limit=%d ttl=%s", cfg.SnapshotLimit, cfg.RosterCacheTTL)
	}
	if len(cfg.DirectoryEndpoints) != 0 {
		t.Fatalf("expected no directory endpoints, got %v", cfg.DirectoryEndpoints)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_STORE", "Memory")
	t.Setenv("PRESENCE_IDLE_TIMEOUT", "90s")
	t.Setenv("DIRECTORY_ENDPOINTS", "http://a:8081, http://b:8081,http://a:8081")
	t.Setenv("CHAT_USE_MQ", "false")

	cfg := app.LoadConfig()
	if cfg.Store != app.StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("expected 90s idle timeout, got %s", cfg.IdleTimeout)
	}
	if len(cfg.DirectoryEndpoints) != 2 || cfg.UseMQ {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewServerWithMemoryStore(t *testing.T) {
	t.Setenv("CHAT_STORE", "memory")
	t.Setenv("CHAT_USE_MQ", "false")
	t.Setenv("CHAT_USE_REDIS", "false")

	srv, err := app.NewServer(app.LoadConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if srv.DB != nil || srv.Redis != nil || srv.MQConn != nil {
		t.Fatalf("expected no external connections, got %+v", srv)
	}
	if srv.HTTPServer.Addr != ":8080" {
		t.Fatalf("expected :8080, got %s", srv.HTTPServer.Addr)
	}
}

func TestNewServerRejectsUnknownStore(t *testing.T) {
	t.Setenv("CHAT_STORE", "cassandra")
	t.Setenv("CHAT_USE_MQ", "false")
	t.Setenv("CHAT_USE_REDIS", "false")

	if _, err := app.NewServer(app.LoadConfig()); err == nil {
		t.Fatalf("expected an error for an unknown store")
	}
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	t.Setenv("CHAT_STORE", "memory")
	t.Setenv("CHAT_USE_MQ", "false")
	t.Setenv("CHAT_USE_REDIS", "false")

	srv, err := app.NewServer(app.LoadConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	s := session.New("s-ana", session.Deps{Broadcaster: srv.Hub, Relay: srv.Hub}, session.Config{}, nil)
	srv.Hub.Attach(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected the session to be closed by shutdown")
	}
	if srv.Hub.SessionCount() != 0 {
		t.Fatalf("expected no sessions after shutdown, got %d", srv.Hub.SessionCount())
	}
}
