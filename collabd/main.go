package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/flowdraw/collab/host"
)

const CollabDVersion = "0.0.1"

var Err *log.Logger

func init() {
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type userRecord struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func main() {
	usage := `Collab host daemon.

Usage:
    collabd serve [--port=<port>] [--store=<store>]
        [--sqlite_path=<sqlite_path>]
        [--redis_addr=<redis_addr>]
        --secret=<secret> --users=<users>
        [--token_ttl=<token_ttl>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --port=<port>                Listen port [default: 8090].
    --store=<store>              One of memory, sqlite, redis [default: memory].
    --sqlite_path=<sqlite_path>  Sqlite file path [default: collab.db].
    --redis_addr=<redis_addr>    Redis address [default: localhost:6379].
    --secret=<secret>            Token signing secret.
    --users=<users>              Path to a json user table.
    --token_ttl=<token_ttl>      Token lifetime in hours [default: 24].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabDVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, _ := opts.Int("--port")
	secret, err := opts.String("--secret")
	if err != nil || secret == "" {
		Err.Fatalf("No secret provided")
	}
	tokenTtlHours, _ := opts.Int("--token_ttl")
	if tokenTtlHours <= 0 {
		tokenTtlHours = 24
	}

	usersPath, _ := opts.String("--users")
	b, err := os.ReadFile(usersPath)
	if err != nil {
		Err.Fatalf("Could not read %s: %s", usersPath, err)
	}
	var users []userRecord
	if err := json.Unmarshal(b, &users); err != nil {
		Err.Fatalf("Could not parse %s: %s", usersPath, err)
	}

	auth := host.NewAuthenticator([]byte(secret), time.Duration(tokenTtlHours)*time.Hour)
	for _, user := range users {
		auth.AddUser(user.Id, user.Username, user.Password, user.Role)
	}

	store, err := openStore(ctx, opts)
	if err != nil {
		Err.Fatalf("Could not open store: %s", err)
	}
	defer store.Close()

	h := host.NewHost(ctx, store, auth, host.DefaultHostSettings())
	defer h.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h.Router(),
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	glog.Infof("[d]listening on :%d\n", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Fatalf("Serve failed: %s", err)
	}
}

func openStore(ctx context.Context, opts docopt.Opts) (host.Store, error) {
	storeName, _ := opts.String("--store")
	switch storeName {
	case "", "memory":
		return host.NewMemoryStore(), nil
	case "sqlite":
		path, _ := opts.String("--sqlite_path")
		return host.OpenSqliteStore(ctx, path)
	case "redis":
		addr, _ := opts.String("--redis_addr")
		return host.NewRedisStore(ctx, addr, "collab")
	default:
		return nil, fmt.Errorf("unknown store %q", storeName)
	}
}
