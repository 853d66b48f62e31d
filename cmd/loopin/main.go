package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"loopin"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOOPIN_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "warn", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "warn", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	command := args[0]

	if command == "config" {
		if err := runConfigCommand(args[1:], *configPath); err != nil {
			log.Fatalf("config command failed: %v", err)
		}
		return
	}

	cfg, err := loopin.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	client, err := loopin.New(cfg, loopin.WithLogger(logger))
	if err != nil {
		log.Fatalf("initialize client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "login":
		runLogin(ctx, client)
	case "whoami":
		runWhoami(ctx, client)
	case "logout":
		runLogout(ctx, client)
	default:
		usage()
		os.Exit(2)
	}
}

func runLogin(ctx context.Context, client *loopin.Client) {
	fmt.Fprintln(os.Stderr, "Opening your browser to sign in...")
	claims, err := client.Login(ctx)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	name := claims.PreferredUsername
	if name == "" {
		name = claims.Subject
	}
	fmt.Printf("Signed in as %s\n", name)
}

func runWhoami(ctx context.Context, client *loopin.Client) {
	sess, err := client.EnsureSession(ctx)
	if err != nil {
		log.Fatalf("session check failed: %v", err)
	}
	if sess.AccessToken == "" {
		fmt.Println("Not signed in. Run 'loopin login'.")
		os.Exit(1)
	}
	if sess.UserInfo != nil {
		fmt.Printf("subject:  %s\n", sess.UserInfo.Subject)
		if sess.UserInfo.PreferredUsername != "" {
			fmt.Printf("username: %s\n", sess.UserInfo.PreferredUsername)
		}
		if sess.UserInfo.Email != "" {
			fmt.Printf("email:    %s\n", sess.UserInfo.Email)
		}
		return
	}
	fmt.Println("Signed in.")
}

func runLogout(ctx context.Context, client *loopin.Client) {
	if err := client.Logout(ctx); err != nil {
		log.Fatalf("logout failed: %v", err)
	}
	fmt.Println("Signed out.")
}

func runConfigCommand(args []string, path string) error {
	if len(args) == 0 {
		return errors.New("usage: loopin config <init|validate>")
	}
	if path == "" {
		path = "./loopin.yaml"
	}

	switch args[0] {
	case "init":
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		out, err := yaml.Marshal(loopin.DefaultConfig())
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s. Set issuer and client_id before use.\n", path)
		return nil
	case "validate":
		if _, err := loopin.LoadConfig(path); err != nil {
			return err
		}
		fmt.Printf("%s is valid.\n", path)
		return nil
	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: loopin [-config path] [-log-level level] <command>

Commands:
  login     Sign in through the system browser
  whoami    Show the current session
  logout    Drop the local session and stored refresh token
  config    Manage configuration: 'config init', 'config validate'`)
}
