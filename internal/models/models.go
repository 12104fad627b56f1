package models

import (
	"strings"
	"time"
)

// FileType distinguishes plain files from directories. The single-letter
// codes are what the file_categorization table stores.
type FileType string

const (
	FileTypeFile      FileType = "F"
	FileTypeDirectory FileType = "D"
)

// String returns a human-readable name for progress messages and prompts.
func (t FileType) String() string {
	if t == FileTypeDirectory {
		return "Directory"
	}
	return "File"
}

// ParseFileType maps loose user/config input onto a FileType.
func ParseFileType(s string) FileType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "D", "DIR", "DIRECTORY":
		return FileTypeDirectory
	default:
		return FileTypeFile
	}
}

// FileEntry is one item handed to the categorization service.
type FileEntry struct {
	Name     string
	FullPath string
	Type     FileType
}

// TaxonomyEntry is a canonical (category, subcategory) identity.
// The normalized pair is unique across all entries.
type TaxonomyEntry struct {
	ID              int64  `db:"id"`
	Category        string `db:"canonical_category"`
	Subcategory     string `db:"canonical_subcategory"`
	NormCategory    string `db:"normalized_category"`
	NormSubcategory string `db:"normalized_subcategory"`
	Frequency       int64  `db:"frequency"`
}

// ResolvedCategory is the result of resolving free-text labels against the
// taxonomy. TaxonomyID is -1 when the labels could not be resolved; callers
// must not treat such a result as cached.
type ResolvedCategory struct {
	TaxonomyID  int64
	Category    string
	Subcategory string
}

// Unresolved reports whether resolution fell through to the raw input.
func (r ResolvedCategory) Unresolved() bool { return r.TaxonomyID == -1 }

// CategoryPair is a plain (category, subcategory) tuple, used for
// consistency hints and whitelist checks.
type CategoryPair struct {
	Category    string
	Subcategory string
}

// CategorizedFile is a finalized per-item result returned by the
// categorization service and persisted in the file_categorization table.
type CategorizedFile struct {
	DirPath              string
	FileName             string
	Type                 FileType
	Category             string
	Subcategory          string
	TaxonomyID           int64
	UsedConsistencyHints bool
	FromCache            bool
	UserProvided         bool
	UpdatedAt            time.Time
}
