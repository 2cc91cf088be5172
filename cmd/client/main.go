package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/aeolun/linechat/pkg/client"
	"github.com/aeolun/linechat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	configPath := flag.String("config", client.DefaultConfigPath, "Path to config file")
	serverAddr := flag.String("server", "", "Server address: host:port, ws://host:port/ws or wss://... (overrides config)")
	identity := flag.String("identity", "", "Identity to log in as (default: last used)")
	noNotify := flag.Bool("no-notify", false, "Disable desktop notifications for private messages")
	debugLog := flag.String("debug-log", "", "Write connection debug log to this file")
	flag.Parse()

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		var cfgErr *client.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", cfgErr)
			os.Exit(1)
		}
		log.Fatalf("Failed to load config: %v", err)
	}

	addr := config.ServerAddress()
	if *serverAddr != "" {
		addr = *serverAddr
	}

	name := strings.TrimSpace(*identity)
	if name == "" {
		name = config.Local.LastIdentity
	}
	if name == "" {
		name, err = promptIdentity(os.Stdin)
		if err != nil {
			log.Fatalf("Failed to read identity: %v", err)
		}
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}

	if *debugLog != "" {
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer f.Close()
		conn.SetLogger(log.New(f, "[client] ", log.Ldate|log.Ltime|log.Lmicroseconds))
	}

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}

	if err := conn.Authenticate(name); err != nil {
		conn.Disconnect()
		if errors.Is(err, client.ErrAuthRejected) {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}
		log.Fatalf("Login failed: %v", err)
	}
	defer conn.Disconnect()

	if config.Local.LastIdentity != name {
		config.Local.LastIdentity = name
		if err := client.SaveClientConfig(*configPath, config); err != nil {
			log.Printf("Warning: failed to remember identity: %v", err)
		}
	}

	model := ui.NewModel(conn, ui.Options{
		ShowTimestamps: config.UI.ShowTimestamps,
		Notify:         config.UI.Notifications && !*noNotify,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
}

// promptIdentity asks for an identity on the terminal before the UI starts
func promptIdentity(in io.Reader) (string, error) {
	fmt.Print("Enter your username: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return "", errors.New("no username entered")
	}
	return name, nil
}
