// cbcsocks-local: the client-facing half of the encrypted SOCKS5
// tunnel. Applications point their SOCKS5 proxy setting at this
// binary's listen address; it encrypts and forwards everything to a
// cbcsocks-server.
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
	"cbcsocks/internal/diag"
	"cbcsocks/internal/local"
)

func main() {
	listenAddr := flag.String("host", "", "address to listen on, e.g. 127.0.0.1:1080")
	port := flag.String("port", "", "port to listen on (combined with -host if -host has no port)")
	remoteHost := flag.String("remoteHost", "", "cbcsocks-server host")
	remotePort := flag.String("remotePort", "", "cbcsocks-server port")
	keyHex := flag.String("key", "", "hex-encoded 32-byte shared secret")
	configPath := flag.String("config", "", "optional TOML config file; CLI flags override it")
	ping := flag.Bool("ping", false, "measure round-trip time to the server and exit")
	pingCount := flag.Int("count", 4, "number of pings to send with -ping")
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
		cfg.Local.Listen = *listenAddr
		if _, _, err := net.SplitHostPort(*listenAddr); err != nil && *port != "" {
			cfg.Local.Listen = fmt.Sprintf("%s:%s", *listenAddr, *port)
		}
	}
	if *remoteHost != "" {
		cfg.Local.RemoteAddr = *remoteHost
		if *remotePort != "" {
			cfg.Local.RemoteAddr = fmt.Sprintf("%s:%s", *remoteHost, *remotePort)
		}
	}
	if *keyHex != "" {
		cfg.Local.Key = *keyHex
	}

	if err := cfg.Validate("local"); err != nil {
		log.Fatalf("config error: %v", err)
	}

	key, err := config.DecodeKey(cfg.Local.Key)
	if err != nil {
		log.Fatalf("key error: %v", err)
	}

	if *ping {
		results, err := diag.Ping(cfg.Local.RemoteAddr, key, *pingCount)
		if err != nil {
			log.Fatalf("ping: %v", err)
		}
		fmt.Print(diag.FormatPingResults(cfg.Local.RemoteAddr, results))
		return
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	loc := &local.Local{
		ListenAddr: cfg.Local.Listen,
		RemoteAddr: cfg.Local.RemoteAddr,
		Key:        key,
		Logger:     logger,
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

	logger.Printf("cbcsocks-local starting on %s, forwarding to %s", cfg.Local.Listen, cfg.Local.RemoteAddr)
	if err := loc.ListenAndServe(ctx); err != nil {
		logger.Fatalf("local error: %v", err)
	}
}
