package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/linechat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP port for /ws, /metrics and /health, 0 disables (overrides config)")
	maxSessions := flag.Int("max-sessions", 0, "Maximum concurrent sessions (overrides config)")
	historyFile := flag.String("history", "", "Path to the plain text chat history (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite history database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("linechat server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *maxSessions > 0 {
		config.Limits.MaxSessions = *maxSessions
	}
	if *historyFile != "" {
		config.History.FilePath = *historyFile
	}
	if *dbPath != "" {
		config.History.DatabasePath = *dbPath
	}

	serverConfig := config.ToServerConfig()
	if *httpPort >= 0 {
		serverConfig.HTTPPort = *httpPort
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s", *configPath)
	if serverConfig.HistoryFile != "" {
		log.Printf("History file: %s", serverConfig.HistoryFile)
	}
	if serverConfig.HistoryDatabase != "" {
		log.Printf("History database: %s", serverConfig.HistoryDatabase)
	}

	// Failing to bind is the only fatal runtime error
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("linechat server %s started successfully", Version)
	log.Printf("Listening on %s (max %d sessions)", srv.Addr(), serverConfig.MaxSessions)
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: ws://server:%d/ws", serverConfig.HTTPPort)
		log.Printf("  - Metrics:   http://server:%d/metrics", serverConfig.HTTPPort)
		log.Printf("  - Health:    http://server:%d/health", serverConfig.HTTPPort)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
