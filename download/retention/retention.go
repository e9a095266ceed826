// Package retention keeps the newest dated downloads in a target directory
// and deletes the rest.
package retention

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sv4u/blobrotate/download/logging"
)

// Matcher selects the files subject to rotation.
type Matcher interface {
	Match(name string) bool
}

// File is one dated file found in the target directory.
type File struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Failure records a file that could not be removed.
type Failure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// Result summarizes one prune pass.
type Result struct {
	Kept    []File    `json:"kept"`
	Removed []File    `json:"removed"`
	Failed  []Failure `json:"failed,omitempty"`
}

// remove is swapped in tests to simulate undeletable files.
var remove = os.Remove

// List returns the matching regular files in dir, newest first by
// modification time. Equal times fall back to name, descending, so the
// later-dated name wins. A missing directory yields no files.
func List(dir string, m Matcher) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read target directory: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !m.Match(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		files = append(files, File{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Name > files[j].Name
	})
	return files, nil
}

// Prune keeps the keep newest matching files in dir and deletes the rest.
// A failed delete is logged and recorded; the remaining files are still
// processed. Only a failure to list dir is returned as an error.
func Prune(dir string, m Matcher, keep int, logger *logging.Logger) (*Result, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must be >= 0, got %d", keep)
	}

	files, err := List(dir, m)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	if len(files) <= keep {
		result.Kept = files
		logger.InfoFields("prune", "nothing to prune", logging.Fields{
			"matched": len(files),
			"keep":    keep,
		})
		return result, nil
	}

	result.Kept = files[:keep]
	for _, f := range files[keep:] {
		if err := remove(f.Path); err != nil {
			result.Failed = append(result.Failed, Failure{Path: f.Path, Err: err})
			logger.WarnFields("prune", "could not remove old file", err, logging.Fields{"path": f.Path})
			continue
		}
		result.Removed = append(result.Removed, f)
		logger.InfoFields("prune", "removed old file", logging.Fields{"path": f.Path})
	}

	logger.InfoFields("prune", "prune complete", logging.Fields{
		"matched": len(files),
		"kept":    len(result.Kept),
		"removed": len(result.Removed),
		"failed":  len(result.Failed),
	})
	return result, nil
}
