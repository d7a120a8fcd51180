package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/channels"
	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/gateway"
	"github.com/meshwork-ai/meshwork/pkg/logger"
	"github.com/meshwork-ai/meshwork/pkg/mxp"
	"github.com/meshwork-ai/meshwork/pkg/stats"
)

func main() {
	configPath := flag.String("config", config.ExpandHome("~/.meshwork/config.json"), "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.FatalC("main", "Failed to load config: "+err.Error())
	}

	if *debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath, cfg.Logging.RotationEnabled,
			cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays); err != nil {
			logger.WarnCF("main", "File logging unavailable", map[string]any{"error": err.Error()})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.NewMessageBusWithSize(cfg.Bus.BufferSize)
	ledger := stats.NewStore(config.ExpandHome(cfg.MXP.StatsPath))

	var transport bus.Transport
	var ws *channels.WSTransport
	switch cfg.Transport.Mode {
	case "websocket":
		ws = channels.NewWSTransport(cfg.Transport)
		if err := ws.Start(ctx); err != nil {
			logger.FatalC("main", "Transport start failed: "+err.Error())
		}
		transport = ws
	default:
		transport = bus.NewLoopback()
	}

	// Analytics go to the external bus and the local savings ledger.
	analytics := bus.Fanout{transport, ledger}

	codec := mxp.NewCodec(&cfg.MXP, analytics)
	compressor := mxp.NewContextCompressor(&cfg.MXP, analytics)
	forwarder := mxp.NewForwarder(&cfg.MXP, codec, transport)
	gw := gateway.New(cfg, msgBus, forwarder, compressor)

	forwarder.Start()
	go func() {
		if err := gw.Run(ctx); err != nil {
			logger.ErrorCF("main", "Gateway stopped with error", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("main", "Meshwork started", map[string]any{
		"agent_id":  cfg.Gateway.AgentID,
		"transport": cfg.Transport.Mode,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.InfoC("main", "Shutting down")
	gw.Stop()
	cancel()
	forwarder.Stop()
	forwarder.ClearQueues()
	if ws != nil {
		if err := ws.Stop(context.Background()); err != nil {
			logger.WarnCF("main", "Transport stop failed", map[string]any{"error": err.Error()})
		}
	}
}
