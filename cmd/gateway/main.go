// Command gateway runs the relay gateway: it accepts transport sessions
// from clients, authenticates them, and relays each CONNECT request to the
// real destination on the public network.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/shadowmesh/tcptun/pkg/config"
	"github.com/shadowmesh/tcptun/pkg/relay"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to gateway configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tcptun gateway v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("gateway exited with error")
	}
}

func run(cfg *config.GatewayConfig, log *logrus.Logger) error {
	listenCfg := relay.ListenConfig{
		Mode:       relay.TransportMode(cfg.Server.TransportMode),
		ListenAddr: cfg.Server.ListenAddr,
	}
	switch listenCfg.Mode {
	case relay.TransportQUIC, relay.TransportTLS:
		certFile, keyFile, err := cfg.GetTLSFiles()
		if err != nil {
			return fmt.Errorf("loading TLS files: %w", err)
		}
		listenCfg.TLSCertFile = certFile
		listenCfg.TLSKeyFile = keyFile
	case relay.TransportTCP:
		key, err := config.LoadAEADKey(cfg.Server.AEADKeyFile)
		if err != nil {
			return fmt.Errorf("loading AEAD key: %w", err)
		}
		listenCfg.AEADKey = key
	}

	listener, err := relay.Listen(listenCfg)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	auth := relay.NewStaticAuthenticator(cfg.Auth.Username, cfg.Auth.Password)
	server := relay.NewServer(listener, auth, &net.Dialer{}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"listen":    cfg.Server.ListenAddr,
		"transport": cfg.Server.TransportMode,
	}).Info("gateway ready")

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	return server.Run(ctx)
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
		return "/etc/tcptun/gateway.yaml"
	}
	return filepath.Join(homeDir, ".tcptun", "gateway.yaml")
}
