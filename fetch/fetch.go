// Package fetch copies a source raster into a private work directory,
// unpacking zip uploads on the way.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/pdok/rasterpyramid/raster"
)

var (
	ErrEmptyArchive = errors.New("archive contains no files")
	ErrUnsafePath   = errors.New("archive entry escapes the work directory")
)

type Fetcher interface {
	Fetch(ctx context.Context, src string) (*Workspace, error)
}

// Workspace is a temporary directory holding one fetched source file.
type Workspace struct {
	Dir  string
	File string
	// Warnings are not fatal, e.g. extra files in an archive
	Warnings []string
}

func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

type LocalFetcher struct {
	// WorkDir is the parent of the temp dirs, the system temp dir when empty
	WorkDir string
}

func (f LocalFetcher) Fetch(ctx context.Context, src string) (ws *Workspace, err error) {
	if err := ctx.Err(); err != nil {
		return nil, &raster.SourceReadError{Path: src, Err: err}
	}
	dir, err := os.MkdirTemp(f.WorkDir, "rasterpyramid-")
	if err != nil {
		return nil, &raster.SourceReadError{Path: src, Err: err}
	}
	ws = &Workspace{Dir: dir}
	// the error returns clear ws, so remove dir itself
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	dst := filepath.Join(dir, filepath.Base(src))
	if err = copyFile(src, dst); err != nil {
		return nil, &raster.SourceReadError{Path: src, Err: err}
	}
	if !strings.EqualFold(filepath.Ext(src), ".zip") {
		ws.File = dst
		return ws, nil
	}

	files, err := unzip(dst, filepath.Join(dir, "unpacked"))
	if err != nil {
		return nil, &raster.SourceReadError{Path: src, Err: err}
	}
	if len(files) == 0 {
		return nil, &raster.SourceReadError{Path: src, Err: ErrEmptyArchive}
	}
	ws.File = files[0]
	if len(files) > 1 {
		ws.Warnings = append(ws.Warnings, fmt.Sprintf("archive contains %d files, using %s", len(files), filepath.Base(files[0])))
	}
	return ws, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// unzip extracts every regular file of archive below dir and returns their
// paths sorted by name.
func unzip(archive, dir string) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range r.File {
		target := filepath.Join(root, entry.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("%w: %s", ErrUnsafePath, entry.Name)
		}
		if entry.FileInfo().IsDir() || !entry.Mode().IsRegular() {
			continue
		}
		if err := extract(entry, target); err != nil {
			return nil, fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		files = append(files, target)
	}
	sort.Strings(files)
	return files, nil
}

func extract(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
