package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"go.coder.com/cli"
	"go.coder.com/flog"

	"cdr.dev/broker"
	"cdr.dev/broker/helper"
)

type cmd struct {
	socket string
	shell  string
	limit  int64
	debug  bool
}

func (c *cmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "dev-helper",
		Usage: "[flags]",
		Desc:  `Run a local helper that executes commands on this machine. For testing only.`,
	}
}

func (c *cmd) RegisterFlags(fl *pflag.FlagSet) {
	fl.StringVar(&c.socket, "socket", broker.DefaultSocketPath, "unix socket to listen on")
	fl.StringVar(&c.shell, "shell", "/bin/sh", "shell used to run commands")
	fl.Int64Var(&c.limit, "output-limit", helper.DefaultOutputLimit, "bytes of output kept per stream")
	fl.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

func (c *cmd) Run(fl *pflag.FlagSet) {
	log := slog.Make(sloghuman.Sink(os.Stderr))
	if c.debug {
		log = log.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := helper.Listen(c.socket)
	if err != nil {
		flog.Fatal("listen: %v", err)
	}
	defer os.Remove(c.socket)

	h := helper.NewLocalHandler(log)
	h.Shell = c.shell
	h.OutputLimit = c.limit

	log.Info(ctx, "helper listening", slog.F("socket", c.socket))
	err = helper.Serve(ctx, ln, h, log)
	if err != nil {
		flog.Fatal("serve: %v", err)
	}
}

func main() {
	cli.RunRoot(&cmd{})
}
