// Package filescan lists the immediate entries of a directory as
// categorization candidates. Scanning is shallow on purpose: each run sorts
// one directory, and subdirectories are items of their own.
package filescan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filesort/internal/models"
)

// Options controls which directory entries become candidates.
type Options struct {
	IncludeFiles       bool
	IncludeDirectories bool
	IncludeHidden      bool
}

// DefaultOptions scans visible files only.
func DefaultOptions() Options {
	return Options{IncludeFiles: true}
}

// ScanDirectory returns the selected entries of dirPath, sorted by name, as
// FileEntry values with absolute paths. Unreadable entries are skipped;
// an unreadable directory is an error.
func ScanDirectory(dirPath string, opts Options) ([]models.FileEntry, error) {
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("resolve directory %q: %w", dirPath, err)
	}
	dirEntries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("read directory %q: %w", absDir, err)
	}

	entries := make([]models.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		fileType := models.FileTypeFile
		if de.IsDir() {
			if !opts.IncludeDirectories {
				continue
			}
			fileType = models.FileTypeDirectory
		} else if !opts.IncludeFiles {
			continue
		}
		entries = append(entries, models.FileEntry{
			Name:     name,
			FullPath: filepath.Join(absDir, name),
			Type:     fileType,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
