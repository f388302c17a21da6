package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"gocloud.dev/blob"

	"github.com/chrisdmacrae/romulator/internal/config"
	"github.com/chrisdmacrae/romulator/internal/organizer"
)

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "check the library bucket against the checksums recorded at upload",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bucket", Usage: "bucket URL (default: library_bucket from config)"},
			&cli.StringFlag{Name: "prefix", Usage: "only check objects under this prefix"},
		},
		Action: runVerify,
	}
}

func runVerify(c *cli.Context) error {
	cfg, err := loadConfig(c, config.Config{LibraryBucket: c.String("bucket")})
	if err != nil {
		return invalidArgs(err)
	}
	if cfg.LibraryBucket == "" {
		return invalidArgs(errors.New("no bucket given and library_bucket is not configured"))
	}

	bkt, err := blob.OpenBucket(c.Context, cfg.LibraryBucket)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open bucket: %v", err), ExitStorageError)
	}
	defer bkt.Close()

	result, err := organizer.Verify(c.Context, bkt, c.String("prefix"))
	if err != nil {
		return cli.Exit(err.Error(), ExitStorageError)
	}

	out := c.App.Writer
	fmt.Fprintf(out, "Bucket: %s\n", cfg.LibraryBucket)
	fmt.Fprintf(out, "Objects: %d (%s)\n", result.Objects, humanize.IBytes(uint64(result.TotalSize)))
	fmt.Fprintf(out, "Without checksum: %d\n", result.Unverified)

	if result.Valid {
		fmt.Fprintln(out, "Status: VALID")
		return nil
	}

	fmt.Fprintln(out, "Status: INVALID")
	fmt.Fprintf(out, "Checksum mismatches: %d\n", result.Mismatches)
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, "\nErrors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}
	return cli.Exit("", ExitValidationFailed)
}
