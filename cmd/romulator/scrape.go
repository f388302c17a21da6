package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/chrisdmacrae/romulator/internal/catalog"
	"github.com/chrisdmacrae/romulator/internal/config"
	"github.com/chrisdmacrae/romulator/internal/progress"
)

func scrapeCommand() *cli.Command {
	return &cli.Command{
		Name:      "scrape",
		Usage:     "list the files offered by a directory listing",
		ArgsUsage: "[URL]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print entries as JSON"},
		},
		Action: runScrape,
	}
}

func runScrape(c *cli.Context) error {
	cfg, err := loadConfig(c, config.Config{})
	if err != nil {
		return invalidArgs(err)
	}
	listURL := c.Args().First()
	if listURL == "" {
		listURL = cfg.CatalogURL
	}
	if listURL == "" {
		return invalidArgs(errors.New("no listing url given and catalog_url is not configured"))
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return invalidArgs(err)
	}

	entries, err := catalog.NewScraper(cfg.HTTPOptions(), logger).Scrape(c.Context, listURL)
	if err != nil {
		return cli.Exit(err.Error(), ExitSourceNotAccess)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	var total int64
	for _, e := range entries {
		size := e.Size
		if size == "" {
			size = "-"
		}
		if n := progress.ParseSize(e.Size); n > 0 {
			total += n
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, size, e.DownloadURL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "[romulator] %d entries, about %s\n", len(entries), humanize.IBytes(uint64(total)))
	return nil
}
