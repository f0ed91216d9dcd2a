package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/devserver"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	secret := flag.String("secret", envOr("CHATSYNC_DEV_SECRET", "chatsync-dev-secret"), "HS256 signing secret")
	mint := flag.String("mint", "", "print a token for this user id and exit")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of minted tokens")
	debug := flag.Bool("debug", false, "log every request")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := devserver.New(devserver.Config{Secret: []byte(*secret), TokenTTL: *ttl, Logger: logger})

	if *mint != "" {
		token, err := srv.IssueToken(*mint, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("dev backend listening", zap.String("addr", *addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
