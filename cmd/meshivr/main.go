// Command meshivr runs one federation node: it joins the network
// through the given seed contacts, publishes the resources and handlers
// its configuration enables and serves calls and messages until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshivr/meshivr/internal/api"
	"github.com/meshivr/meshivr/internal/apps"
	"github.com/meshivr/meshivr/internal/config"
	"github.com/meshivr/meshivr/internal/database"
	"github.com/meshivr/meshivr/internal/database/pgstore"
	"github.com/meshivr/meshivr/internal/dialog"
	"github.com/meshivr/meshivr/internal/federation"
	"github.com/meshivr/meshivr/internal/metrics"
	"github.com/meshivr/meshivr/internal/recording"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting meshivr",
		"udp_port", cfg.UDPPort,
		"seeds", len(cfg.Seeds),
		"config_dir", cfg.ConfigDir,
		"data_dir", cfg.DataDir,
	)

	// Load the telephony resource configuration.
	ivrCfg, err := config.LoadIVR(filepath.Join(cfg.ConfigDir, "ivr.conf"))
	if err != nil {
		slog.Error("failed to load ivr configuration", "error", err)
		os.Exit(1)
	}
	smsCfg, err := config.LoadSMS(filepath.Join(cfg.ConfigDir, "sms.conf"))
	if err != nil {
		slog.Error("failed to load sms configuration", "error", err)
		os.Exit(1)
	}

	// Open the call-history store.
	var store database.Store
	if cfg.DatabaseURL != "" {
		store, err = pgstore.New(cfg.DatabaseURL, logger)
	} else {
		store, err = database.Open(cfg.DataDir, logger)
	}
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	node := federation.New(federation.Options{
		UDPPort: cfg.UDPPort,
		Seeds:   cfg.Seeds,
		IVR:     ivrCfg,
		SMS:     smsCfg,
		Logger:  logger,
	})
	if err := node.Start(appCtx); err != nil {
		slog.Error("failed to start federation node", "error", err)
		os.Exit(1)
	}

	// An incoming-enabled node answers calls with the demo dialog until
	// a real application registers over the API of a linked build.
	if ivrCfg.Incoming != nil {
		incoming := &apps.IncomingCall{Build: defaultDialog, Store: store, Logger: logger}
		if err := node.RegisterIVRHandler(incoming, "", ""); err != nil {
			slog.Error("failed to register ivr handler", "error", err)
			os.Exit(1)
		}
	}

	// A receiving node without its own SMS application calls texters
	// back and reads their message out.
	if smsCfg.Receive != nil {
		reader := &apps.SMSToIVR{Node: node, Logger: logger, Preamble: "You sent:"}
		if err := node.RegisterSMSHandler(reader); err != nil {
			slog.Error("failed to register sms handler", "error", err)
			os.Exit(1)
		}
	}

	rec, err := recording.NewDir(cfg.DataDir)
	if err != nil {
		slog.Error("failed to prepare recordings directory", "error", err)
		os.Exit(1)
	}
	cleanup := &recording.Cleanup{
		Dir:      rec.Path(),
		MaxAge:   30 * 24 * time.Hour,
		Interval: time.Hour,
		Logger:   logger,
	}
	go cleanup.Run(appCtx)

	// Status API with the metrics endpoint.
	var apiSrv *http.Server
	if cfg.APIAddr != "" {
		registry := prometheus.NewRegistry()
		var agiStats metrics.AGIStatsProvider
		if srv := node.AGIServer(); srv != nil {
			agiStats = srv
		}
		registry.MustRegister(metrics.NewCollector(node, agiStats, store, time.Now()))
		apiSrv = &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           api.NewServer(node, store, registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("status api listening", "addr", cfg.APIAddr)
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("status api failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if apiSrv != nil {
		apiSrv.Shutdown(shutdownCtx)
	}
	if err := node.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
}

// defaultDialog is the out-of-the-box call flow: a greeting with one
// menu choice and a goodbye.
func defaultDialog(d *dialog.Dialog) error {
	d.AddDtmfInputNode("greeting",
		dialog.InputSettings{MaxTime: 5000, MaxVisits: 3},
		dialog.ErrorPolicy{Timeout: "greeting", Unknown: "greeting", Reroute: "goodbye"},
		[]dialog.AudioItem{dialog.SayText("Welcome to meshivr. Press one to hear the time, or hang up.")},
		map[string]string{"1": "saytime"},
	)
	d.AddCustomNode("saytime", []string{"saytime"}, "goodbye")
	d.AddNode("goodbye", dialog.NodeSpec{
		Audio: []dialog.AudioItem{dialog.SayText("Goodbye.")},
		Exit:  true,
	})
	d.SetStartNode("greeting")
	d.RegisterFunc("saytime", func(d *dialog.Dialog, n *dialog.Node, results map[string]any) error {
		results["time"] = time.Now().Format("15:04")
		_, err := d.AGI().SayDTMF("The time is "+time.Now().Format("3 04 PM"), "", 0)
		return err
	})
	return nil
}
