// Command sendsms joins a federation, borrows an sms gateway and
// delivers one message.
//
// Usage: sendsms UDP_PORT SEED_IP SEED_PORT DESTINATION TEXT [DESTINATION...]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/meshivr/meshivr/internal/apps"
	"github.com/meshivr/meshivr/internal/config"
	"github.com/meshivr/meshivr/internal/federation"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 5 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] UDP_PORT SEED_IP SEED_PORT DESTINATION TEXT [DESTINATION...]\n", os.Args[0])
		os.Exit(1)
	}
	udpPort, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: UDP_PORT must be an integer value, got %q\n", args[0])
		os.Exit(1)
	}
	seedPort, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: SEED_PORT must be an integer value, got %q\n", args[2])
		os.Exit(1)
	}
	destinations := append([]string{args[3]}, args[5:]...)
	text := args[4]

	var level slog.Level
	level.UnmarshalText([]byte(*logLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	node := federation.New(federation.Options{
		UDPPort: udpPort,
		Seeds:   []config.Seed{{Addr: args[1], Port: seedPort}},
		Logger:  logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		slog.Error("failed to join federation", "error", err)
		os.Exit(1)
	}

	results := make(chan []bool, 1)
	send := &apps.SendSMS{Text: text, Destinations: destinations, Logger: logger, Results: results}
	sendErr := send.Run(node)

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sdCancel()
	node.Shutdown(shutdownCtx)

	if sendErr != nil {
		slog.Error("send failed", "error", sendErr)
		os.Exit(1)
	}
	accepted := 0
	for _, ok := range <-results {
		if ok {
			accepted++
		}
	}
	slog.Info("message submitted", "destinations", len(destinations), "accepted", accepted)
	if accepted < len(destinations) {
		os.Exit(1)
	}
}
