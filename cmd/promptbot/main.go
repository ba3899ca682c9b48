package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"promptbot/internal/adapter/matrix"
	"promptbot/internal/infra/config"
	"promptbot/internal/infra/logger"
	"promptbot/internal/infra/tracer"
	"promptbot/internal/usecase/eventbus"
	"promptbot/internal/usecase/reaction"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`promptbot - reaction prompts for a Matrix room

USAGE:
    promptbot [--config PATH]
    promptbot encrypt

COMMANDS:
    encrypt     Read a secret from stdin and print its "enc:" form
                (requires PROMPTBOT_CONFIG_KEY)

    (no command) - Run the bot

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Environment: PROMPTBOT_* variables override config

IN THE ROOM:
    !poll Lunch? | pizza | sushi     Post a poll; the first vote closes it
    !cancel $eventid                 Cancel an open poll`)
}

// configPath returns the --config value or ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	if v := os.Getenv(config.EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

func runEncrypt() error {
	passphrase := os.Getenv(config.EnvPrefix + "CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("%sCONFIG_KEY is not set", config.EnvPrefix)
	}
	secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && secret == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	encrypted, err := config.EncryptValue(strings.TrimSpace(secret), passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()
	bus.SubscribeAll(eventbus.LogEvents(log))

	// 4. Homeserver client
	client := matrix.NewClient(cfg.Matrix, cfg.Resilience, log)

	// 5. Reaction protocol
	handler, err := reaction.NewReactionHandler(reaction.HandlerConfig{
		RoomID:    cfg.Matrix.RoomID,
		UserID:    cfg.Matrix.UserID,
		Namespace: cfg.Prompt.Namespace,
	}, client, log, reaction.WithEventBus(bus))
	if err != nil {
		return fmt.Errorf("reaction handler: %w", err)
	}
	lifecycle := reaction.NewLifecycle(client, handler.Codec(), log, reaction.WithLifecycleEventBus(bus))

	bot := newPollBot(client, handler, lifecycle, cfg.Matrix.UserID, log)
	unsubscribe := bot.register()
	defer unsubscribe()

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx, bot.HandleEvent); err != nil {
		return fmt.Errorf("matrix sync: %w", err)
	}
	log.Info("promptbot running",
		"room_id", cfg.Matrix.RoomID,
		"namespace", cfg.Prompt.Namespace,
		"annotation_key", handler.Codec().Key(),
	)

	<-ctx.Done()
	log.Info("shutting down", "bus_events", bus.Published())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := client.Stop(shutdownCtx); err != nil {
		log.Error("matrix stop error", "error", err)
	}
	return nil
}
