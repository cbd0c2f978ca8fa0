package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/bryanburgers/connectbot/internal/agent"
	"github.com/bryanburgers/connectbot/internal/config"
	"github.com/bryanburgers/connectbot/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/connectbot/client.conf", "path to the configuration file")
	printConfig := flag.Bool("print-config", false, "print an example configuration and exit")
	deviceID := flag.String("id", "", "override the configured device id")
	flag.Parse()

	if *printConfig {
		out, err := config.Example(config.DefaultAgent())
		if err != nil {
			logging.Log.Fatalf("render example config: %v", err)
		}
		fmt.Print(out)
		return
	}

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		logging.Log.Fatalf("%v", err)
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Log.Fatalf("%v", err)
	}

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		logging.Log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Log.Infof("device %s connecting to %s:%d", cfg.DeviceID, cfg.Address, cfg.Port)
	a := agent.New(agent.Options{
		DeviceID: cfg.DeviceID,
		Address:  cfg.Address,
		Port:     cfg.Port,
		Resolve:  cfg.Resolve,
		TLS:      tlsConfig,
	})
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Log.Fatalf("%v", err)
	}
	logging.Log.Info("shut down")
}
