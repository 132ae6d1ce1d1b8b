// Command chatclient is a line-oriented terminal client for the chat server.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/cyberinferno/lpchat/chatclient"
	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/wire"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	var (
		addr      string
		name      string
		reconnect bool
		verbose   bool
	)

	fs := pflag.NewFlagSet("chatclient", pflag.ContinueOnError)
	fs.StringVarP(&addr, "addr", "a", "127.0.0.1:4545", "server address")
	fs.StringVarP(&name, "name", "n", "", "name to claim (required)")
	fs.BoolVar(&reconnect, "reconnect", false, "reconnect when the connection drops")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if name == "" {
		return errors.New("--name is required")
	}

	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	cfg := chatclient.DefaultConfig(addr, name)
	cfg.AutoReconnect = reconnect
	cfg.ReconnectInterval = 2 * time.Second
	cfg.Logger = logger.NewConsoleLogger(os.Stderr, "chatclient", level)

	client := chatclient.New(cfg)
	client.OnMessage(func(e chatclient.MessageEvent) {
		fmt.Fprintln(out, render(e.Message))
	})
	client.OnError(func(e chatclient.ErrorEvent) {
		fmt.Fprintf(out, "! %v\n", e.Error)
	})
	client.OnConnectionState(func(e chatclient.ConnectionStateEvent) {
		fmt.Fprintf(out, "- %s %s\n", e.State, e.Address)
	})

	if err := client.Connect(); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}

		req, err := parseLine(scanner.Text())
		if errors.Is(err, errQuit) {
			_ = client.Send(wire.NewBye(client.Identity()))
			return nil
		}

		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		if err := client.Request(req.kind, req.payload, req.aux); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}

	return scanner.Err()
}
