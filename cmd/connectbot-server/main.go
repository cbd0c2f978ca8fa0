package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bryanburgers/connectbot/internal/config"
	"github.com/bryanburgers/connectbot/internal/ctrlserver"
	"github.com/bryanburgers/connectbot/internal/devserver"
	"github.com/bryanburgers/connectbot/internal/logging"
	"github.com/bryanburgers/connectbot/internal/world"
)

func main() {
	configPath := flag.String("config", "/etc/connectbot/server.conf", "path to the configuration file")
	printConfig := flag.Bool("print-config", false, "print an example configuration and exit")
	flag.Parse()

	if *printConfig {
		out, err := config.Example(config.DefaultServer())
		if err != nil {
			logging.Log.Fatalf("render example config: %v", err)
		}
		fmt.Print(out)
		return
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		logging.Log.Fatalf("%v", err)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Log.Fatalf("%v", err)
	}

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		logging.Log.Fatalf("%v", err)
	}

	ports := world.NewPortAllocator(
		cfg.SSH.WebPortStart, cfg.SSH.WebPortEnd,
		cfg.SSH.PortStart, cfg.SSH.PortEnd,
	)
	w := world.New(ports)

	devices := devserver.New(w, devserver.SSHInfo{
		Host:       cfg.SSH.Host,
		Port:       cfg.SSH.Port,
		User:       cfg.SSH.User,
		PrivateKey: cfg.SSH.PrivateKeyData,
	}, tlsConfig)
	control := ctrlserver.New(w)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceLn, err := devices.Listen(cfg.Address)
	if err != nil {
		logging.Log.Fatalf("%v", err)
	}
	controlLn, err := control.Listen(cfg.ControlAddress)
	if err != nil {
		logging.Log.Fatalf("%v", err)
	}
	logging.Log.Infof("listening for devices on %s, control on %s", cfg.Address, cfg.ControlAddress)

	// Periodic sweep for expired leases and stale history.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 30s", func() { w.Cleanup(time.Now()) }); err != nil {
		logging.Log.Fatalf("schedule cleanup: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return devices.Serve(ctx, deviceLn) })
	g.Go(func() error { return control.Serve(ctx, controlLn) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logging.Log.Fatalf("%v", err)
	}
	logging.Log.Info("shut down")
}
