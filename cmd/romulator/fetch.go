package main

import (
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/urfave/cli/v2"

	"github.com/chrisdmacrae/romulator/internal/config"
	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/transfer"
)

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "download a single URL without the queue",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "destination file (default: last path segment of URL)"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not print progress"},
		},
		Action: runFetch,
	}
}

func runFetch(c *cli.Context) error {
	if c.NArg() != 1 {
		return invalidArgs(errors.New("fetch takes exactly one URL"))
	}
	src := c.Args().First()
	dest := c.String("output")
	if dest == "" {
		var err error
		if dest, err = outputName(src); err != nil {
			return invalidArgs(err)
		}
	}

	cfg, err := loadConfig(c, config.Config{})
	if err != nil {
		return invalidArgs(err)
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return invalidArgs(err)
	}

	var events chan progress.Sample
	printed := make(chan struct{})
	if c.Bool("quiet") {
		close(printed)
	} else {
		printer := progress.NewPrinter(c.App.ErrWriter, "[romulator]")
		printer.Header(src, progress.Unknown)
		events = make(chan progress.Sample, 16)
		go func() {
			defer close(printed)
			for s := range events {
				printer.Print(s)
			}
		}()
	}

	t := transfer.New(cfg.TransferOptions(), logger)
	n, err := t.Run(c.Context, transfer.Request{URL: src, Dest: dest, SizeHint: progress.Unknown}, events)
	if events != nil {
		close(events)
	}
	<-printed

	if err != nil {
		return cli.Exit(err.Error(), fetchExitCode(err))
	}
	fmt.Fprintf(c.App.ErrWriter, "[romulator] Saved %s (%s)\n", dest, progress.FormatBytes(n))
	return nil
}

func fetchExitCode(err error) int {
	kind, ok := transfer.KindOf(err)
	if !ok {
		return ExitGeneralError
	}
	switch kind {
	case transfer.KindCancelled:
		return ExitInterrupted
	case transfer.KindNetwork, transfer.KindHTTPStatus, transfer.KindTooManyRedirects:
		return ExitSourceNotAccess
	case transfer.KindIO:
		return ExitStorageError
	default:
		return ExitGeneralError
	}
}

// outputName derives a file name from the last path segment of raw.
func outputName(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("cannot derive a file name from %q, use --output", raw)
	}
	return name, nil
}
