// Command server runs the chat server: TCP frames on the configured port and,
// when enabled, /metrics, /health and /ws on the HTTP port.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/database"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.config/wirechat/server.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	codec := flag.String("codec", "", "Body codec: binary or json (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags win over the file and the environment
	if *port > 0 {
		cfg.Server.TCPPort = *port
	}
	if *codec != "" {
		cfg.Server.Codec = *codec
	}
	if *debug {
		cfg.Server.DebugLog = true
	}

	server.InitLogging(cfg.Server.DebugLog)

	// An out of range machine or process id is a deployment error
	gen, err := cfg.NewGenerator()
	if err != nil {
		log.Fatalf("Invalid snowflake config: %v", err)
	}

	db := database.New(gen)
	srv, err := server.NewServer(db, cfg.ToServerConfig())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
