package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/edgefront/edgefront/config"
	"github.com/edgefront/edgefront/lib/awsclient"
	"github.com/edgefront/edgefront/lib/graph"
	"github.com/edgefront/edgefront/lib/logging"
	"github.com/edgefront/edgefront/stacks"
)

func main() {
	configPath := flag.String("config", "edgefront.toml", "path to the stack configuration file")
	destroy := flag.Bool("destroy", false, "tear the stack down instead of applying it")
	flag.Parse()

	if err := run(*configPath, *destroy); err != nil {
		fmt.Fprintln(os.Stderr, "edgefront:", err)
		os.Exit(1)
	}
}

func run(configPath string, destroy bool) error {
	settings, err := config.GetEnvironmentVariables[config.Settings]()
	if err != nil {
		return err
	}

	log, err := logging.New(settings.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	log = logging.WithRun(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", configPath, err)
	}

	clients, err := awsclient.New(settings.Region)
	if err != nil {
		return err
	}
	store, err := graph.OpenStore(settings.StatePath)
	if err != nil {
		return err
	}

	stack, err := stacks.NewEdgeStack(stacks.EdgeStackProps{
		Config:  cfg,
		Clients: clients,
		Store:   store,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if destroy {
		return stack.Destroy(ctx)
	}

	out, err := stack.Apply(ctx)
	if err != nil {
		return err
	}
	log.Info("endpoint ready",
		zap.String("url", "https://"+out.AliasFQDN),
		zap.String("listener", out.ListenerARN),
		zap.String("certificate", out.CertificateARN))
	return nil
}
