package organizer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CorruptedArchiveError reports an archive that could not be unpacked.
type CorruptedArchiveError struct {
	Path string
	Err  error
}

func (e *CorruptedArchiveError) Error() string {
	return fmt.Sprintf("corrupted archive %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *CorruptedArchiveError) Unwrap() error {
	return e.Err
}

var errIllegalPath = errors.New("illegal file path in archive")

func isArchive(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".zip") ||
		strings.HasSuffix(lower, ".tar.gz") ||
		strings.HasSuffix(lower, ".tgz")
}

// extract unpacks src into dest and returns the regular files written.
// Format and traversal errors are reported as *CorruptedArchiveError.
func extract(src, dest string) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dest, err)
	}
	var (
		files []string
		err   error
	)
	if strings.HasSuffix(strings.ToLower(src), ".zip") {
		files, err = unzip(src, dest)
	} else {
		files, err = untarGz(src, dest)
	}
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && !errors.Is(err, errIllegalPath) {
			return files, err
		}
		return files, &CorruptedArchiveError{Path: src, Err: err}
	}
	return files, nil
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errIllegalPath, name)
	}
	return target, nil
}

func unzip(src, dest string) ([]string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var files []string
	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return files, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return files, fmt.Errorf("open %s: %w", f.Name, err)
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return files, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		files = append(files, target)
	}
	return files, nil
}

func untarGz(src, dest string) ([]string, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var files []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read tar header: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return files, fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			files = append(files, target)
		}
	}
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
