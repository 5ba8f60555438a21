package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	chatd "github.com/jianluochat/chatd"
	"github.com/jianluochat/chatd/gateway"
	"github.com/jianluochat/chatd/homeserver"
	"github.com/jianluochat/chatd/remote"
	"github.com/jianluochat/chatd/state"
	"github.com/jianluochat/chatd/syncer"
	"github.com/rs/zerolog"
)

var (
	flagBindAddr      = flag.String("port", ":8008", "Bind address")
	flagDomain        = flag.String("domain", "jianluochat.com", "Server name used in user and room identifiers")
	flagRemoteServer  = flag.String("remote-server", "", "Optional upstream homeserver base URL, e.g. https://matrix.example.com")
	flagPollInterval  = flag.Duration("poll-interval", syncer.DefaultPollInterval, "Sync loop poll interval")
	flagRetryInterval = flag.Duration("retry-interval", syncer.DefaultRetryInterval, "Sync loop retry interval after a failed poll")
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func main() {
	flag.Parse()

	if dsn := os.Getenv("CHATD_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	store := state.NewStorage(true)
	sessions := state.NewSessions()
	core := homeserver.NewCore(*flagDomain, store, sessions)
	if err := core.BootstrapWorldRoom(); err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap world room")
	}

	g := gateway.NewGateway(core, gateway.AuthenticatorFunc(core.UserIDFromToken), true)
	engine := syncer.NewEngine(store, sessions, g, true)
	engine.SetIntervals(*flagPollInterval, *flagRetryInterval)
	g.AttachEngine(engine)

	if *flagRemoteServer != "" {
		client := remote.NewHTTPClient(*flagRemoteServer)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := client.Versions(ctx); err != nil {
			logger.Warn().Err(err).Str("server", *flagRemoteServer).Msg("upstream homeserver not reachable")
		} else {
			logger.Info().Str("server", *flagRemoteServer).Msg("upstream homeserver reachable")
		}
	}

	chatd.RunServer(core, g, *flagBindAddr)
}
