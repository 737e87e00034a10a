package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"go.coder.com/cli"
	"go.coder.com/flog"
	"golang.org/x/sync/errgroup"

	"cdr.dev/broker"
	"cdr.dev/broker/internal/config"
)

// flags shared by every subcommand.
type flags struct {
	configPath string
	socket     string
	debug      bool
}

func (f *flags) register(fl *pflag.FlagSet) {
	fl.StringVarP(&f.configPath, "config", "c", "", "path to config.toml (defaults to $"+config.EnvPath+" or ./config.toml)")
	fl.StringVar(&f.socket, "socket", "", "helper socket path, overrides the config file")
	fl.BoolVar(&f.debug, "debug", false, "enable debug logging")
}

func (f *flags) load(fl *pflag.FlagSet) (config.Config, slog.Logger) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		flog.Fatal("load config: %v", err)
	}
	if fl.Changed("socket") {
		cfg.Helper.Socket = f.socket
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}
	log := slog.Make(sloghuman.Sink(os.Stderr))
	if cfg.Log.Level == "debug" {
		log = log.Leveled(slog.LevelDebug)
	}
	return cfg, log
}

type serveCmd struct {
	flags
	addr string
}

func (c *serveCmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "serve",
		Usage: "[flags]",
		Desc:  "Serve the session API and viewer websocket.",
	}
}

func (c *serveCmd) RegisterFlags(fl *pflag.FlagSet) {
	c.flags.register(fl)
	fl.StringVar(&c.addr, "addr", "", "listen address, overrides the config file")
}

func (c *serveCmd) Run(fl *pflag.FlagSet) {
	cfg, log := c.load(fl)
	if fl.Changed("addr") {
		cfg.Server.Addr = c.addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := broker.NewLink(cfg.Helper.Socket, log)
	if cfg.Helper.WaitAttempts > 0 {
		err := link.WaitReachable(ctx, cfg.Helper.WaitInterval.Std(), cfg.Helper.WaitAttempts)
		if err != nil {
			// Requests fail fast with helper_unavailable until it shows up.
			log.Warn(ctx, "helper not available, serving anyway", slog.Error(err))
		}
	}

	var (
		registry    = broker.NewRegistry(log)
		broadcaster = broker.NewBroadcaster(log)
		gateway     = broker.NewGateway(link, registry, broadcaster, log, &broker.GatewayOptions{
			RetryDelay:  cfg.Helper.RetryDelay.Std(),
			CallTimeout: cfg.Helper.CallTimeout.Std(),
		})
		handler = broker.NewHandler(gateway, broadcaster, log, &broker.ViewerOptions{
			Buffer:       cfg.Viewer.Buffer,
			WriteTimeout: cfg.Viewer.WriteTimeout.Std(),
		})
	)

	eg, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	eg.Go(func() error {
		log.Info(ctx, "serving",
			slog.F("addr", cfg.Server.Addr),
			slog.F("helper_socket", link.SocketPath()),
		)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	if err != nil {
		flog.Fatal("serve: %v", err)
	}
	log.Info(context.Background(), "stopped")
}

type pingCmd struct {
	flags
}

func (c *pingCmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "ping",
		Usage: "[flags]",
		Desc:  "Check that the helper answers.",
	}
}

func (c *pingCmd) RegisterFlags(fl *pflag.FlagSet) {
	c.flags.register(fl)
}

func (c *pingCmd) Run(fl *pflag.FlagSet) {
	cfg, log := c.load(fl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := broker.NewLink(cfg.Helper.Socket, log).Ping(ctx)
	if err != nil {
		flog.Fatal("ping helper: %v", err)
	}
	flog.Success("helper %s (version %s, %d sessions)", resp.Status, resp.Version, resp.Sessions)
}

type sessionsCmd struct {
	flags
}

func (c *sessionsCmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "sessions",
		Usage: "[flags]",
		Desc:  "List the helper's sessions as JSON.",
	}
}

func (c *sessionsCmd) RegisterFlags(fl *pflag.FlagSet) {
	c.flags.register(fl)
}

func (c *sessionsCmd) Run(fl *pflag.FlagSet) {
	cfg, log := c.load(fl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	link := broker.NewLink(cfg.Helper.Socket, log)
	gw := broker.NewGateway(link, broker.NewRegistry(log), broker.NewBroadcaster(log), log, nil)
	sessions, err := gw.ListSessions(ctx)
	if err != nil {
		flog.Fatal("list sessions: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sessions)
}

type cmd struct{}

func (c *cmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:    "brokerd",
		Usage:   "[flags]",
		Desc:    "Broker remote sessions through the privileged helper.",
		RawArgs: true,
	}
}

func (c *cmd) Run(fl *pflag.FlagSet) {
	fl.Usage()
	os.Exit(1)
}

func (c *cmd) Subcommands() []cli.Command {
	return []cli.Command{
		&serveCmd{},
		&pingCmd{},
		&sessionsCmd{},
	}
}

func main() {
	cli.RunRoot(&cmd{})
}
