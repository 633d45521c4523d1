package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/smart-portal/auth"
	"github.com/jrsteele09/smart-portal/fhir"
	"github.com/jrsteele09/smart-portal/internal/config"
	"github.com/jrsteele09/smart-portal/internal/secrets"
	"github.com/jrsteele09/smart-portal/oauthclient"
	"github.com/jrsteele09/smart-portal/server"
	"github.com/jrsteele09/smart-portal/sessions"
	"github.com/jrsteele09/smart-portal/sessions/memory"
	"github.com/jrsteele09/smart-portal/sessions/sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:           "smart-portal",
		Short:         "SMART on FHIR patient portal backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []config.Option
			if envFile != "" {
				opts = append(opts, config.WithEnvFile(envFile))
			}
			for {
				err := run(opts)
				if err == nil {
					break
				}
				if !errors.Is(err, errPanic) {
					log.Err(err).Msg("error running server")
					return err
				}
				log.Err(err).Msg("restarting server")
				time.Sleep(1 * time.Second)
			}
			log.Info().Msg("Server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a dotenv file (default .env when present)")
	return cmd
}

var errPanic = errors.New("panic recovered")

func run(opts []config.Option) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errPanic
		}
	}()

	c, err := config.New(opts...)
	if err != nil {
		return err
	}
	closeLog := setupLogging(c)
	defer closeLog()

	displayAppname(c.GetAppName())

	repo, closeRepo, err := openSessionRepo(c)
	if err != nil {
		return err
	}
	defer closeRepo()

	tokenClient, err := oauthclient.New(oauthclient.SettingsFromConfig(c))
	if err != nil {
		return err
	}
	store, err := auth.NewCredentialStore(repo, tokenClient, auth.WithMaxSessionAge(c.GetMaxSessionAge()))
	if err != nil {
		return err
	}
	authService, err := auth.NewAuthorizationService(store)
	if err != nil {
		return err
	}

	var serverOpts []server.ServerOption
	if p, ok := repo.(sessions.Pinger); ok {
		serverOpts = append(serverOpts, server.WithHealthCheck(p.Ping))
	}
	handler, err := server.New(c, authService, fhir.New(c.GetFHIRBaseURL(), c.GetFHIRTimeout()), serverOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.StartSessionSweeper(ctx, c.GetSessionSweepInterval())

	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(httpServer) }()

	select {
	case err := <-serveErr:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(httpServer)
}

func setupLogging(c config.Config) func() {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || c.GetLogLevel() == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if !c.IsProduction() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	closer := func() {}
	if path := c.GetLogFile(); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotating)
		closer = func() { _ = rotating.Close() }
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("app", c.GetAppName()).Logger()
	return closer
}

func openSessionRepo(c config.Config) (sessions.Repo, func(), error) {
	switch c.GetSessionStore() {
	case "sqlite":
		sealer, err := secrets.NewSealer(c.GetSessionSecret())
		if err != nil {
			return nil, nil, err
		}
		repo, err := sqlite.NewSessionRepo(c.GetSessionDBFile(), sealer)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("file", c.GetSessionDBFile()).Msg("using sqlite session store")
		return repo, func() { _ = repo.Close() }, nil
	default:
		log.Info().Msg("using in-memory session store")
		return memory.NewInMemorySessionRepo(), func() {}, nil
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
