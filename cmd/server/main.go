// cbcsocks-server: the remote half of the encrypted SOCKS5 tunnel.
// It terminates the SOCKS5 negotiation and dials the requested
// destination on behalf of local peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cbcsocks/internal/config"
	"cbcsocks/internal/server"
	"cbcsocks/internal/tunnel"
)

func main() {
	listenAddr := flag.String("host", "", "address to listen on, e.g. 0.0.0.0:9050")
	port := flag.String("port", "", "port to listen on (combined with -host if -host has no port)")
	keyHex := flag.String("key", "", "hex-encoded 32-byte shared secret")
	username := flag.String("username", "", "optional username for RFC 1929 auth")
	password := flag.String("password", "", "optional password for RFC 1929 auth")
	configPath := flag.String("config", "", "optional TOML config file; CLI flags override it")
	flag.Parse()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
		if _, _, err := net.SplitHostPort(*listenAddr); err != nil && *port != "" {
			cfg.Server.Listen = fmt.Sprintf("%s:%s", *listenAddr, *port)
		}
	}
	if *keyHex != "" {
		cfg.Server.Key = *keyHex
	}
	if *username != "" {
		cfg.Server.Username = *username
	}
	if *password != "" {
		cfg.Server.Password = *password
	}

	if err := cfg.Validate("server"); err != nil {
		log.Fatalf("config error: %v", err)
	}

	key, err := config.DecodeKey(cfg.Server.Key)
	if err != nil {
		log.Fatalf("key error: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	srv := &server.Server{
		ListenAddr: cfg.Server.Listen,
		Key:        key,
		Creds: tunnel.Credentials{
			RequireAuth: cfg.Server.Username != "",
			Username:    cfg.Server.Username,
			Password:    cfg.Server.Password,
		},
		Logger: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutting down")
		cancel()
	}()

	logger.Printf("cbcsocks-server starting on %s", cfg.Server.Listen)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}
