// Command client runs the tunnel client: it brings up a point-to-point TUN
// device, dials the gateway, and pumps intercepted TCP flows through the
// upstream multiplexer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/shadowmesh/tcptun/pkg/config"
	"github.com/shadowmesh/tcptun/pkg/tun"
	"github.com/shadowmesh/tcptun/pkg/tunnel"
	"github.com/shadowmesh/tcptun/pkg/upstream"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to client configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tcptun client v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("client exited with error")
	}
}

func run(cfg *config.ClientConfig, log *logrus.Logger) error {
	device, err := tun.New(tun.Config{
		Name:    cfg.Interface.Name,
		LocalIP: cfg.Interface.LocalIP,
		PeerIP:  cfg.Interface.PeerIP,
	}, log)
	if err != nil {
		return fmt.Errorf("bringing up tun device: %w", err)
	}
	defer device.Close()

	dialerCfg := upstream.Config{
		Mode:                  upstream.Mode(cfg.Upstream.TransportMode),
		GatewayAddr:           cfg.Upstream.Addr,
		TLSServerName:         cfg.Upstream.TLSServerName,
		TLSInsecureSkipVerify: cfg.Upstream.TLSInsecureSkipVerify,
	}
	if dialerCfg.Mode == upstream.ModeTCP {
		key, err := config.LoadAEADKey(cfg.Upstream.AEADKeyFile)
		if err != nil {
			return fmt.Errorf("loading AEAD key: %w", err)
		}
		dialerCfg.AEADKey = key
	}

	dialer, err := upstream.NewDialer(dialerCfg, log)
	if err != nil {
		return fmt.Errorf("building transport dialer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux, err := upstream.NewMultiplexer(ctx, dialer, cfg.Auth.Username, cfg.Auth.Password, log)
	if err != nil {
		return fmt.Errorf("authenticating with gateway: %w", err)
	}
	defer mux.Close()

	engine := tunnel.NewEngine(device, mux, log)

	log.WithFields(logrus.Fields{
		"interface": device.Name(),
		"gateway":   cfg.Upstream.Addr,
		"transport": cfg.Upstream.TransportMode,
	}).Info("client ready")

	return engine.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/etc/tcptun/client.yaml"
	}
	return filepath.Join(homeDir, ".tcptun", "client.yaml")
}
