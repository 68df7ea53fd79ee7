// Package zipper compresses data files before transfer. Compression is
// optional per watched root and always produces a sibling .gz file, never
// touching the original.
package zipper

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/arcsecond-io/oort/internal/pack"
)

// Zipper compresses the clear file of a pack into its zipped counterpart.
type Zipper struct {
	logger *slog.Logger
}

// Option configures a Zipper.
type Option func(*Zipper)

// WithLogger sets the zipper's logger.
func WithLogger(l *slog.Logger) Option {
	return func(z *Zipper) { z.logger = l }
}

// New creates a Zipper.
func New(opts ...Option) *Zipper {
	z := &Zipper{logger: slog.Default()}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// Zip ensures the pack's zipped counterpart exists and is a readable gzip
// archive. A pre-existing valid archive is kept as is. A corrupt one, the
// leftover of an interrupted run, is rebuilt from the clear file.
func (z *Zipper) Zip(p *pack.UploadPack) error {
	clearPath := p.ClearPath()
	zipped := p.ZippedPath()
	if clearPath == zipped {
		// The observed file is itself an archive; nothing to do.
		return nil
	}
	if _, err := os.Stat(clearPath); err != nil {
		// Only the archive was observed; there is no clear source to
		// compress or to rebuild from.
		return nil
	}

	if _, err := os.Stat(zipped); err == nil {
		if verifyGzip(zipped) == nil {
			return nil
		}
		z.logger.Warn("corrupt archive found, rebuilding", "path", zipped)
		if err := os.Remove(zipped); err != nil {
			return fmt.Errorf("failed to remove corrupt archive: %w", err)
		}
	}

	if err := z.compress(clearPath, zipped); err != nil {
		return err
	}
	z.logger.Info("file compressed", "path", zipped)
	return nil
}

// CanZip reports whether the watched root accepts the sibling archive, that
// is, whether its filesystem is writable.
func CanZip(rootPath string) bool {
	probe, err := os.CreateTemp(rootPath, ".oort-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

func (z *Zipper) compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	// Write to a temp file first so a crash never leaves a half-written
	// archive under the final name.
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	gw := gzip.NewWriter(tmp)
	gw.Name = filepath.Base(src)
	if _, err := io.Copy(gw, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// verifyGzip reads the archive end to end. Truncated or garbage archives
// fail either on the header or on the trailing checksum.
func verifyGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	if _, err := io.Copy(io.Discard, gr); err != nil {
		return err
	}
	return nil
}
