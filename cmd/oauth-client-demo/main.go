package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/identity"
	"github.com/atproto-tools/oauth-client-go/oauth"
	"github.com/atproto-tools/oauth-client-go/oauth/redisstore"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "oauth-client-demo",
		Usage:   "demo web app exercising the atproto OAuth client",
		Version: versioninfo.Short(),
		Action:  runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "IP or address, and port, to listen on",
				Value:   ":8080",
				EnvVars: []string{"OAUTH_DEMO_BIND"},
			},
			&cli.StringFlag{
				Name:     "hostname",
				Usage:    "public hostname this app is served on (used in client_id and redirect URI)",
				Required: true,
				EnvVars:  []string{"OAUTH_DEMO_HOSTNAME"},
			},
			&cli.StringFlag{
				Name:     "session-secret",
				Usage:    "random string used for web cookie security",
				Required: true,
				EnvVars:  []string{"SESSION_SECRET"},
			},
			&cli.StringFlag{
				Name:    "client-secret-key",
				Usage:   "confidential client secret key, P-256 private key in multibase encoding",
				EnvVars: []string{"CLIENT_SECRET_KEY"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "redis connection URL for session storage; in-memory when unset",
				EnvVars: []string{"REDIS_URL"},
			},
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	return app.Run(args)
}

func runServer(cctx *cli.Context) error {
	hostname := cctx.String("hostname")

	config := oauth.NewPublicConfig(
		fmt.Sprintf("https://%s/oauth/client-metadata.json", hostname),
		fmt.Sprintf("https://%s/oauth/callback", hostname),
		[]string{"atproto", "transition:generic"},
	)
	if raw := cctx.String("client-secret-key"); raw != "" {
		key, err := crypto.ParsePrivateMultibase(raw)
		if err != nil {
			return fmt.Errorf("parsing client secret key: %w", err)
		}
		config.AddClientSecret(key, "demo1")
	}

	var store oauth.ClientAuthStore
	var locker oauth.SessionLocker
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		rstore, err := redisstore.NewFromURL(cctx.Context, redisURL)
		if err != nil {
			return err
		}
		store = rstore
		locker = redisstore.NewLocker(rstore.Client())
	} else {
		store = oauth.NewMemStore()
	}

	app := oauth.NewClientAppWithOptions(config, store, oauth.ClientAppOptions{
		Dir:    identity.DefaultDirectory(),
		Locker: locker,
	})
	srv := &Server{
		App:         app,
		CookieStore: sessions.NewCookieStore([]byte(cctx.String("session-secret"))),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", srv.Homepage)
	mux.HandleFunc("GET /oauth/client-metadata.json", srv.ClientMetadata)
	mux.HandleFunc("GET /oauth/jwks.json", srv.JWKS)
	mux.HandleFunc("GET /oauth/login", srv.LoginForm)
	mux.HandleFunc("POST /oauth/login", srv.Login)
	mux.HandleFunc("GET /oauth/callback", srv.Callback)
	mux.HandleFunc("GET /oauth/logout", srv.Logout)
	mux.HandleFunc("GET /account", srv.AccountInfo)
	mux.Handle("GET /metrics", promhttp.Handler())

	slog.Info("starting server", "bind", cctx.String("bind"), "clientID", config.ClientID)
	return http.ListenAndServe(cctx.String("bind"), mux)
}
