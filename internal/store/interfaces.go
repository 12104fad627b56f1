package store

import (
	"filesort/internal/models"
)

// TaxonomyStore owns canonical (category, subcategory) identities.
//
// Resolve never returns an error: on any backing-store failure it degrades
// to the trimmed input labels with TaxonomyID -1 and performs no mutation.
type TaxonomyStore interface {
	// Resolve canonicalizes free-text labels. Two inputs that resolve to
	// the same identity always yield byte-identical output labels.
	Resolve(category, subcategory string) models.ResolvedCategory

	// RefreshFrequency recomputes an entry's frequency as the live count
	// of file_categorization rows referencing it.
	RefreshFrequency(taxonomyID int64) error

	ListTaxonomy() ([]models.TaxonomyEntry, error)
}

// CategorizationStore persists per-file categorization records, keyed by
// (file name, file type, directory) with last-write-wins semantics.
type CategorizationStore interface {
	// GetCategorization returns the cached labels for a file name + type,
	// or ErrNotFound.
	GetCategorization(fileName string, fileType models.FileType) (models.CategoryPair, error)

	UpsertFileCategorization(file models.CategorizedFile) error
	RemoveFileCategorization(dirPath, fileName string, fileType models.FileType) error

	// RemoveEmptyCategorizations prunes records with empty labels under a
	// directory and returns what was removed.
	RemoveEmptyCategorizations(dirPath string) ([]models.CategorizedFile, error)

	ListCategorizedFiles(dirPath string) ([]models.CategorizedFile, error)

	// RecentCategoriesForExtension is the persisted cross-session hint
	// source: most recent distinct pairs assigned to this extension.
	RecentCategoriesForExtension(extension string, fileType models.FileType, limit int) ([]models.CategoryPair, error)
}
