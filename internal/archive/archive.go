// Package archive copies the local artifact directory to a remote blob store and
// optionally clears it afterwards.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/catalog"
)

// Config controls archival.
type Config struct {
	// Prefix is prepended to every object name (e.g. "covers").
	Prefix string
	// ContentType is applied to every uploaded object when set.
	ContentType string
	// Cleanup removes the local directory after every file uploaded successfully.
	Cleanup bool
}

// Result summarizes one archive run.
type Result struct {
	Objects []string `json:"objects"`
	Bytes   int64    `json:"bytes"`
	// Skipped counts files left alone because an earlier run already uploaded them.
	Skipped int  `json:"skipped"`
	Removed bool `json:"removed"`
}

// Archiver uploads artifacts. It remembers what it has uploaded, so a kept
// directory only sends new or rewritten files on later runs.
type Archiver struct {
	cfg    Config
	blobs  catalog.BlobStore
	logger *zap.Logger

	mu       sync.Mutex
	uploaded map[string]fileStamp
}

// fileStamp identifies the version of a local file that was uploaded.
type fileStamp struct {
	size    int64
	modTime time.Time
}

// New builds an Archiver over a remote blob store.
func New(cfg Config, blobs catalog.BlobStore, logger *zap.Logger) (*Archiver, error) {
	if blobs == nil {
		return nil, fmt.Errorf("archive blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, blobs: blobs, logger: logger, uploaded: make(map[string]fileStamp)}, nil
}

// Archive uploads every regular file under dir, in lexical order, keeping relative
// paths. Files already uploaded with the same size and modification time are
// skipped. A missing dir archives nothing. Cleanup is skipped if any upload fails.
func (a *Archiver) Archive(ctx context.Context, dir string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res Result
	files, err := listFiles(dir)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("archive canceled: %w", err)
		}
		n, uri, err := a.upload(ctx, dir, rel)
		if errors.Is(err, errUnchanged) {
			res.Skipped++
			continue
		}
		if err != nil {
			a.logger.Warn("archive upload failed", zap.String("file", rel), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		res.Objects = append(res.Objects, uri)
		res.Bytes += n
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("archive %s: %w", dir, errors.Join(errs...))
	}
	if a.cfg.Cleanup && len(files) > 0 {
		if err := os.RemoveAll(dir); err != nil {
			return res, fmt.Errorf("remove %s: %w", dir, err)
		}
		res.Removed = true
		clear(a.uploaded)
	}
	a.logger.Info("artifacts archived",
		zap.Int("objects", len(res.Objects)),
		zap.Int("skipped", res.Skipped),
		zap.Int64("bytes", res.Bytes),
		zap.Bool("removed", res.Removed),
	)
	return res, nil
}

var errUnchanged = errors.New("already uploaded")

func (a *Archiver) upload(ctx context.Context, dir, rel string) (int64, string, error) {
	// #nosec G304 -- rel comes from walking dir.
	f, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return 0, "", fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return 0, "", fmt.Errorf("stat %s: %w", rel, err)
	}
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}
	if prev, ok := a.uploaded[rel]; ok && prev.size == stamp.size && prev.modTime.Equal(stamp.modTime) {
		return 0, "", errUnchanged
	}
	name := path.Join(a.cfg.Prefix, filepath.ToSlash(rel))
	uri, err := a.blobs.PutObject(ctx, name, a.cfg.ContentType, f)
	if err != nil {
		return 0, "", fmt.Errorf("upload %s: %w", rel, err)
	}
	a.uploaded[rel] = stamp
	return info.Size(), uri, nil
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("relative path %s: %w", p, err)
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
