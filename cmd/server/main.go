package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/textrelay/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.textrelay/server.toml", "Path to config file")
	port := flag.Int("port", 0, "Override TCP port from config")
	credentials := flag.String("credentials", "", "Override credentials file from config")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *port != 0 {
		config.TCPPort = *port
	}
	if *credentials != "" {
		config.CredentialsPath = *credentials
	}

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("textrelay server listening on %s", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
