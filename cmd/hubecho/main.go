// Command hubecho connects to a hub, invokes Echo("Hello world") and prints what the hub echoes back.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/go-kit/log"

	"github.com/hubkit/signalr"
	"github.com/hubkit/signalr/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("hubecho", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "YAML config file")
	url := flags.String("url", "", "hub url, overrides hub.url")
	format := flags.String("format", "", "Text or Binary, overrides hub.transferFormat")
	debug := flags.Bool("debug", false, "log debug events")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	if *url != "" {
		cfg.Hub.URL = *url
	}
	if *format != "" {
		cfg.Hub.TransferFormat = *format
	}
	cfg.Log.Debug = cfg.Log.Debug || *debug
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	conn, err := signalr.NewHubConnection(ctx, cfg.Hub.URL, connectionOptions(cfg, stderr)...)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_ = conn.On("Echo", func(arguments ...interface{}) {
		if len(arguments) > 0 {
			_, _ = fmt.Fprintf(stdout, "Received: %v\n", arguments[0])
		}
	})

	started := make(chan error, 1)
	conn.StartWithCallback(func(err error) {
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Connection failed to start.")
		}
		started <- err
	})
	if err := <-started; err != nil {
		_, _ = fmt.Fprintf(stderr, "Fatal error during connection start: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "Connection established.")

	invoked := make(chan struct{})
	conn.InvokeWithCallback("Echo", []interface{}{"Hello world"}, func(_ interface{}, err error) {
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Invoke failed.")
		}
		close(invoked)
	})
	<-invoked

	stopped := make(chan struct{})
	conn.StopWithCallback(func(err error) {
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Stop failed.")
		}
		close(stopped)
	})
	<-stopped
	_, _ = fmt.Fprintln(stdout, "Connection stopped successfully.")
	return 0
}

func connectionOptions(cfg *config.Config, stderr io.Writer) []func(*signalr.HubConnection) error {
	header := make(http.Header)
	for k, v := range cfg.Hub.Headers {
		header.Set(k, v)
	}
	httpOptions := []signalr.HTTPOption{
		signalr.WithHTTPHeaders(func() http.Header { return header }),
	}
	if cfg.Hub.SkipNegotiation {
		httpOptions = append(httpOptions, signalr.WithSkipNegotiation())
	}
	options := []func(*signalr.HubConnection) error{
		signalr.Logger(log.NewLogfmtLogger(log.NewSyncWriter(stderr)), cfg.Log.Debug),
		signalr.TransferFormat(cfg.Hub.TransferFormat),
		signalr.TimeoutInterval(cfg.Hub.Timeout),
		signalr.KeepAliveInterval(cfg.Hub.KeepAliveInterval),
		signalr.HandshakeTimeout(cfg.Hub.HandshakeTimeout),
		signalr.HTTPOptions(httpOptions...),
	}
	if cfg.Hub.Reconnect {
		options = append(options, signalr.WithAutomaticReconnect(nil))
	}
	return options
}
