// Package main is the entry point for ntmon, a NetworkTables 4 monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/ntgo/internal/bridge"
	"github.com/nugget/ntgo/internal/buildinfo"
	"github.com/nugget/ntgo/internal/config"
	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/ntclient"
	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	server := flag.String("server", "", "NT4 server host (overrides config)")
	team := flag.Int("team", 0, "FRC team number (overrides config)")
	prefix := flag.String("prefix", "", "topic prefix to watch")
	logLevel := flag.String("log-level", "", "log level: trace, debug, info, warn, error")
	flag.Parse()

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "watch":
			run(*configPath, *server, *team, *logLevel, func(ctx context.Context, c *ntclient.Client, bus *events.Bus) error {
				return runWatch(ctx, c, bus, *prefix)
			})
		case "set":
			if flag.NArg() < 3 {
				fmt.Fprintln(os.Stderr, "usage: ntmon set <topic> <value>")
				os.Exit(1)
			}
			topic, value := flag.Arg(1), flag.Arg(2)
			run(*configPath, *server, *team, *logLevel, func(ctx context.Context, c *ntclient.Client, _ *events.Bus) error {
				return runSet(ctx, c, topic, value)
			})
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("ntmon - NetworkTables 4 monitor")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  watch    Subscribe to a topic prefix and print value updates")
	fmt.Println("  set      Publish a single value to a topic")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// run loads configuration, wires up a client and hands control to fn.
func run(configPath, server string, team int, logLevel string, fn func(context.Context, *ntclient.Client, *events.Bus) error) {
	cfg := &config.Config{}
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()
	if server != "" {
		cfg.Server.Host = server
	}
	if team != 0 {
		cfg.Server.Team = team
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	instanceID, err := ntclient.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		logger.Warn("no stable instance id, using a random one", "error", err)
		instanceID = ntclient.NewClientID()
	}

	url, err := cfg.Server.URL(ntclient.ClientIDForInstance(instanceID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve server: %v\n", err)
		os.Exit(1)
	}

	bus := events.New()
	client := ntclient.New(ntclient.Config{URL: url, Logger: logger, Bus: bus})
	client.Connect()
	defer client.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.WaitForConnection(waitCtx)
	cancel()
	if err != nil {
		logger.Warn("not connected yet, continuing in background", "url", url, "error", err)
	}

	if cfg.Bridge.Enabled {
		br := bridge.New(cfg.Bridge, client, instanceID, logger, bus)
		go func() {
			if err := br.Start(ctx); err != nil {
				logger.Error("bridge failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			br.Stop(stopCtx)
		}()
	}

	if err := fn(ctx, client, bus); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runWatch prints every announce and value under the prefix until
// interrupted.
func runWatch(ctx context.Context, c *ntclient.Client, bus *events.Bus, prefix string) error {
	c.PrefixTopic(prefix).Subscribe(func(value any, params protocol.AnnounceParams) {
		fmt.Printf("%s [%s] = %v\n", params.Name, params.Type, value)
	}, protocol.SubscriptionOptions{All: protocol.Bool(true)}, -1, true)

	faults := bus.Subscribe(64)
	defer bus.Unsubscribe(faults)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-faults:
			if e.Kind == events.KindValueError {
				fmt.Fprintf(os.Stderr, "value error on %v: %v\n", e.Data["name"], e.Err)
			}
		}
	}
}

// runSet publishes one value to a topic, inferring the type from the
// literal: true/false, integer, float, else string.
func runSet(ctx context.Context, c *ntclient.Client, name, literal string) error {
	ti, value := inferValue(literal)
	topic, err := c.Topic(name, ti)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := topic.Publish(pubCtx, protocol.Properties{}, -1); err != nil {
		return err
	}
	if err := topic.SetValue(value); err != nil {
		return err
	}
	fmt.Printf("%s [%s] = %v\n", name, ti.Name, value)
	return topic.Unpublish()
}

func inferValue(literal string) (nttype.TypeInfo, any) {
	switch strings.ToLower(literal) {
	case "true":
		return nttype.Boolean, true
	case "false":
		return nttype.Boolean, false
	}
	if n, err := strconv.ParseInt(literal, 10, 64); err == nil {
		return nttype.Int, n
	}
	if f, err := strconv.ParseFloat(literal, 64); err == nil {
		return nttype.Double, f
	}
	return nttype.String, literal
}
