package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bizchat/server/chat/app"
	commonlog "bizchat/server/common/log"
)

func exit(code int) {
	_ = commonlog.Close()
	os.Exit(code)
}

func main() {
	defer func() { _ = commonlog.Close() }()

	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		commonlog.Exceptionf("event=chat_server action=init status=failed error=%v", err)
		exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("event=chat_server action=listen port=%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			commonlog.Exceptionf("event=chat_server action=listen status=failed error=%v", err)
			exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Warnf("event=chat_server action=shutdown status=failed error=%v", err)
	}
	commonlog.Infof("event=chat_server action=shutdown status=ok")
}
