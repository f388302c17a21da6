package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chrisdmacrae/romulator/internal/config"
	"github.com/chrisdmacrae/romulator/internal/logging"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitSourceNotAccess  = 3
	ExitStorageError     = 5
	ExitValidationFailed = 7
	ExitInterrupted      = 8
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[romulator] Received interrupt, shutting down...")
		cancel()
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	err := app.RunContext(ctx, append([]string{app.Name}, args...))
	if err == nil {
		return ExitSuccess
	}

	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintf(stderr, "Error: %s\n", msg)
		}
		return exit.ExitCode()
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitInvalidArgs
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "romulator",
		Usage:     "queue and download files from directory listings",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (console, json)",
			},
			&cli.StringFlag{
				Name:  "user-agent",
				Usage: "User-Agent sent with every request",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			fetchCommand(),
			scrapeCommand(),
			watchCommand(),
			verifyCommand(),
		},
		// Exit codes are handled by run.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// loadConfig builds the configuration from defaults, the config file, the
// environment and finally the command line, then validates it.
func loadConfig(c *cli.Context, override config.Config) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override.LogLevel = c.String("log-level")
	override.LogFormat = c.String("log-format")
	override.UserAgent = c.String("user-agent")
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(c *cli.Context, cfg config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat, c.App.ErrWriter)
}

func invalidArgs(err error) error {
	return cli.Exit(err.Error(), ExitInvalidArgs)
}
