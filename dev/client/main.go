package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.coder.com/cli"
	"go.coder.com/flog"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"cdr.dev/broker"
)

type watch struct {
	addr string
}

func (c *watch) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "watch",
		Usage: "[flags] [session id...]",
		Desc:  `Print events for the given sessions, or for every session when none are given.`,
	}
}

func (c *watch) RegisterFlags(fl *pflag.FlagSet) {
	fl.StringVar(&c.addr, "addr", "localhost:8080", "broker address")
}

func (c *watch) Run(fl *pflag.FlagSet) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, "ws://"+c.addr+"/api/events", nil)
	if err != nil {
		flog.Fatal("failed to dial broker: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "normal closure")

	ids := fl.Args()
	if len(ids) == 0 {
		ids = []string{broker.AllSessions}
	}
	for _, id := range ids {
		err = wsjson.Write(ctx, conn, broker.ViewerMessage{Type: broker.TypeSubscribe, SessionID: id})
		if err != nil {
			flog.Fatal("subscribe %s: %v", id, err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		var msg json.RawMessage
		err = wsjson.Read(ctx, conn, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			flog.Fatal("read: %v", err)
		}
		_ = enc.Encode(msg)
	}
}

type run struct {
	addr    string
	timeout time.Duration
}

func (c *run) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "run",
		Usage: "[flags] <session id> <command>",
		Desc:  `Execute a command in a session and print its output.`,
	}
}

func (c *run) RegisterFlags(fl *pflag.FlagSet) {
	fl.StringVar(&c.addr, "addr", "localhost:8080", "broker address")
	fl.DurationVar(&c.timeout, "timeout", time.Minute, "give up after the specified timeout")
}

func (c *run) Run(fl *pflag.FlagSet) {
	if fl.NArg() < 2 {
		flog.Fatal("a session id and a command are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var res broker.ExecuteResult
	err := post(ctx, "http://"+c.addr+"/api/sessions/"+fl.Arg(0)+"/execute",
		map[string]string{"command": strings.Join(fl.Args()[1:], " ")}, &res)
	if err != nil {
		flog.Fatal("execute: %v", err)
	}
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	os.Exit(res.ExitCode)
}

type connect struct {
	addr     string
	port     int
	password string
	keyPath  string
}

func (c *connect) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "connect",
		Usage: "[flags] <user@host>",
		Desc:  `Open a session and print its id.`,
	}
}

func (c *connect) RegisterFlags(fl *pflag.FlagSet) {
	fl.StringVar(&c.addr, "addr", "localhost:8080", "broker address")
	fl.IntVarP(&c.port, "port", "p", broker.DefaultPort, "remote port")
	fl.StringVar(&c.password, "password", "", "password")
	fl.StringVarP(&c.keyPath, "identity", "i", "", "private key file")
}

func (c *connect) Run(fl *pflag.FlagSet) {
	user, host, ok := strings.Cut(fl.Arg(0), "@")
	if !ok || user == "" || host == "" {
		flog.Fatal("expected user@host")
	}
	req := broker.CreateRequest{Host: host, Port: c.port, Username: user, Password: c.password}
	if c.keyPath != "" {
		key, err := os.ReadFile(c.keyPath)
		if err != nil {
			flog.Fatal("read key: %v", err)
		}
		req.PrivateKey = string(key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var s broker.Session
	err := post(ctx, "http://"+c.addr+"/api/sessions", req, &s)
	if err != nil {
		flog.Fatal("connect: %v", err)
	}
	flog.Success("session %s %s", s.ID, s.Status)
}

func post(ctx context.Context, url string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return xerrors.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return xerrors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type cmd struct{}

func (c *cmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:    "broker-client",
		Usage:   "[flags]",
		Desc:    `Run a simple broker client for testing.`,
		RawArgs: true,
	}
}

func (c *cmd) Run(fl *pflag.FlagSet) {
	fl.Usage()
	os.Exit(1)
}

func (c *cmd) Subcommands() []cli.Command {
	return []cli.Command{
		&connect{},
		&run{},
		&watch{},
	}
}

func main() {
	cli.RunRoot(&cmd{})
}
