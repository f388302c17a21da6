// Package organizer files completed downloads into a library according to
// named rulesets.
//
// A ruleset may unpack archives, filter and rename the resulting files,
// move them under a library directory and mirror them to a blob bucket.
// Failures are collected per file; a download that was organized badly is
// still a successful download.
package organizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
)

// StagingPrefix starts the name of the directory an archive is unpacked
// into, next to the archive.
const StagingPrefix = ".extract-"

// ErrUnknownRuleset is returned for a ruleset name that was not loaded.
var ErrUnknownRuleset = errors.New("organizer: unknown ruleset")

// Result lists what Apply did.
type Result struct {
	MovedFiles []string `json:"movedFiles"`
	Uploaded   []string `json:"uploaded,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Organizer applies rulesets to downloaded files.
type Organizer struct {
	rules      Rulesets
	libraryDir string
	bucket     *blob.Bucket
	logger     zerolog.Logger
}

// New creates an organizer. An empty libraryDir keeps files next to the
// download. A nil bucket disables uploads.
func New(rules Rulesets, libraryDir string, bucket *blob.Bucket, logger zerolog.Logger) *Organizer {
	return &Organizer{
		rules:      rules,
		libraryDir: libraryDir,
		bucket:     bucket,
		logger:     logger,
	}
}

// Has reports whether a ruleset called name exists.
func (o *Organizer) Has(name string) bool {
	_, ok := o.rules[name]
	return ok
}

// Apply runs ruleset name against the file at src. The returned error joins
// every failure recorded in Result.Errors; a *CorruptedArchiveError can be
// found in it with errors.As.
func (o *Organizer) Apply(ctx context.Context, name, src string) (Result, error) {
	var res Result
	rs, ok := o.rules[name]
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownRuleset, name)
	}

	log := o.logger.With().Str("ruleset", name).Str("file", filepath.Base(src)).Logger()
	var errs []error
	fail := func(err error) {
		errs = append(errs, err)
		res.Errors = append(res.Errors, err.Error())
		log.Warn().Err(err).Msg("organize step failed")
	}

	files := []string{src}
	removeArchive := false
	if rs.Extract && isArchive(src) {
		staging := stagingDir(src)
		defer os.RemoveAll(staging)

		extracted, err := extract(src, staging)
		if err != nil {
			fail(err)
			return res, errors.Join(errs...)
		}
		files = extracted
		removeArchive = !rs.KeepArchive
	}

	destDir := filepath.Join(o.root(src), rs.Dest)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			fail(err)
			break
		}
		if !rs.includes(filepath.Base(f)) {
			continue
		}
		target, err := rs.targetName(f, src)
		if err != nil {
			fail(err)
			continue
		}
		dst := filepath.Join(destDir, target)
		if err := moveFile(f, dst); err != nil {
			fail(fmt.Errorf("move %s: %w", filepath.Base(f), err))
			continue
		}
		res.MovedFiles = append(res.MovedFiles, dst)

		if rs.Upload && o.bucket != nil {
			key := path.Join(filepath.ToSlash(rs.Dest), target)
			if err := o.upload(ctx, dst, key); err != nil {
				fail(fmt.Errorf("upload %s: %w", key, err))
				continue
			}
			res.Uploaded = append(res.Uploaded, key)
		}
	}

	if removeArchive && len(res.MovedFiles) > 0 {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			fail(fmt.Errorf("remove archive: %w", err))
		}
	}

	log.Info().Int("moved", len(res.MovedFiles)).Int("errors", len(res.Errors)).Msg("organized download")
	return res, errors.Join(errs...)
}

func (o *Organizer) root(src string) string {
	if o.libraryDir != "" {
		return o.libraryDir
	}
	return filepath.Dir(src)
}

// upload streams the file to key and records its sha256 as metadata.
func (o *Organizer) upload(ctx context.Context, file, key string) error {
	sum, err := fileSHA256(file)
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := o.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		Metadata: map[string]string{"sha256": sum},
	})
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func stagingDir(src string) string {
	base := filepath.Base(src)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	return filepath.Join(filepath.Dir(src), StagingPrefix+base)
}

// moveFile renames src to dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := writeFile(dst, in); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func fileSHA256(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
