package main

import (
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/odedindi/Collaborative-Lists/pkg/auth"
	"github.com/odedindi/Collaborative-Lists/pkg/coordinator"
	"github.com/odedindi/Collaborative-Lists/pkg/server"
	"github.com/odedindi/Collaborative-Lists/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "lists.sqlite3", "the sqlite database file, or :memory: for ephemeral state")
	tokenTTLVar := flag.Duration("token-ttl", 30*24*time.Hour, "validity window for accepted tokens")
	flag.Parse()

	secret := os.Getenv("LISTS_TOKEN_SECRET")
	if secret == "" {
		secret = "dev-secret"
		slog.Warn("LISTS_TOKEN_SECRET not set, using development secret")
	}

	slog.Info("Opening database", "path", *dbVar)
	var st store.Store
	if *dbVar == ":memory:" {
		st = store.NewMemory()
	} else {
		sq, err := store.OpenSQLite(*dbVar)
		if err != nil {
			return err
		}
		st = sq
	}
	defer st.Close()

	manager := coordinator.NewManager(st)
	tokens := auth.NewJWT([]byte(secret), *tokenTTLVar)
	s := server.New(st, manager, tokens)

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Router()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	manager.CloseAll()
	_ = httpServer.Close()
	wg.Wait()
	return nil
}
