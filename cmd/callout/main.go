// Command callout joins a federation, borrows a dial-out line, places
// one announcement call and leaves.
//
// Usage: callout [-config-dir DIR] UDP_PORT SEED_IP SEED_PORT NUMBER MESSAGE
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/meshivr/meshivr/internal/apps"
	"github.com/meshivr/meshivr/internal/config"
	"github.com/meshivr/meshivr/internal/federation"
	"github.com/meshivr/meshivr/internal/tts"
)

func main() {
	configDir := flag.String("config-dir", "./etc", "directory containing ivr.conf")
	dataDir := flag.String("data-dir", "./data", "directory for the rendered prompt cache")
	preRender := flag.Bool("prerender", false, "synthesize the announcement locally and push the audio to the PBX")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 5 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] UDP_PORT SEED_IP SEED_PORT NUMBER MESSAGE\n", os.Args[0])
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
	number, message := args[3], args[4]

	var level slog.Level
	level.UnmarshalText([]byte(*logLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ivrCfg, err := config.LoadIVR(filepath.Join(*configDir, "ivr.conf"))
	if err != nil {
		slog.Error("failed to load ivr configuration", "error", err)
		os.Exit(1)
	}
	// The return AGI leg needs a local server even when this node lends
	// no lines of its own; an ephemeral port avoids clashing with a
	// resident daemon.
	if ivrCfg.Incoming == nil && ivrCfg.Outgoing == nil {
		ivrCfg.Incoming = &config.IncomingConfig{}
		ivrCfg.FastAGIPort = 0
	}

	node := federation.New(federation.Options{
		UDPPort: udpPort,
		Seeds:   []config.Seed{{Addr: args[1], Port: seedPort}},
		IVR:     ivrCfg,
		Logger:  logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		slog.Error("failed to join federation", "error", err)
		os.Exit(1)
	}

	call := &apps.OutgoingCall{Number: number, Message: message, Logger: logger}
	if *preRender {
		renderer, err := tts.NewExecRenderer(ivrCfg.DefaultTTS, *dataDir, logger)
		if err != nil {
			slog.Error("failed to prepare the tts renderer", "error", err)
			os.Exit(1)
		}
		call.Renderer = renderer
	}
	callErr := call.Run(node)

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sdCancel()
	node.Shutdown(shutdownCtx)

	if callErr != nil {
		slog.Error("call failed", "number", number, "error", callErr)
		os.Exit(1)
	}
	slog.Info("call completed", "number", number)
}
