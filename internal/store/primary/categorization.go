package primary

import (
	"database/sql"
	"errors"
	"fmt"

	"filesort/internal/models"
)

// GetCategorization returns the cached labels for a file name + type, or
// models.ErrNotFound. The lookup is directory-independent on purpose: a file
// seen once keeps its labels wherever it shows up next.
func (s *StoreImpl) GetCategorization(fileName string, fileType models.FileType) (models.CategoryPair, error) {
	var pair models.CategoryPair
	err := s.db.QueryRow(`SELECT category, subcategory FROM file_categorization
		WHERE file_name = ? AND file_type = ?
		ORDER BY updated_at DESC LIMIT 1`,
		fileName, string(fileType)).Scan(&pair.Category, &pair.Subcategory)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CategoryPair{}, models.ErrNotFound
	}
	if err != nil {
		return models.CategoryPair{}, fmt.Errorf("get categorization: %w", err)
	}
	return pair, nil
}

// UpsertFileCategorization writes or replaces the record for
// (file_name, file_type, dir_path); last write wins.
func (s *StoreImpl) UpsertFileCategorization(file models.CategorizedFile) error {
	_, err := s.db.Exec(`INSERT INTO file_categorization
		(file_name, file_type, dir_path, category, subcategory, taxonomy_id, used_consistency_hints, user_provided, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(file_name, file_type, dir_path)
		DO UPDATE SET
			category = excluded.category,
			subcategory = excluded.subcategory,
			taxonomy_id = excluded.taxonomy_id,
			used_consistency_hints = excluded.used_consistency_hints,
			user_provided = excluded.user_provided,
			updated_at = CURRENT_TIMESTAMP`,
		file.FileName, string(file.Type), file.DirPath,
		file.Category, file.Subcategory, file.TaxonomyID,
		boolToInt(file.UsedConsistencyHints), boolToInt(file.UserProvided))
	if err != nil {
		return fmt.Errorf("upsert file categorization: %w", err)
	}
	return nil
}

// RemoveFileCategorization deletes a single record. Missing rows are not an
// error.
func (s *StoreImpl) RemoveFileCategorization(dirPath, fileName string, fileType models.FileType) error {
	_, err := s.db.Exec(`DELETE FROM file_categorization
		WHERE dir_path = ? AND file_name = ? AND file_type = ?`,
		dirPath, fileName, string(fileType))
	if err != nil {
		return fmt.Errorf("remove file categorization: %w", err)
	}
	return nil
}

// RemoveEmptyCategorizations prunes records with empty labels under dirPath
// and returns the removed rows so the caller can requeue them.
func (s *StoreImpl) RemoveEmptyCategorizations(dirPath string) ([]models.CategorizedFile, error) {
	rows, err := s.db.Query(`SELECT file_name, file_type, dir_path, category, subcategory, taxonomy_id, updated_at
		FROM file_categorization
		WHERE dir_path = ? AND (TRIM(category) = '' OR TRIM(subcategory) = '')`, dirPath)
	if err != nil {
		return nil, fmt.Errorf("select empty categorizations: %w", err)
	}
	removed, err := scanCategorizedFiles(rows)
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		_, err = s.db.Exec(`DELETE FROM file_categorization
			WHERE dir_path = ? AND (TRIM(category) = '' OR TRIM(subcategory) = '')`, dirPath)
		if err != nil {
			return nil, fmt.Errorf("delete empty categorizations: %w", err)
		}
	}
	return removed, nil
}

// ListCategorizedFiles returns the cached records under a directory in
// insertion order.
func (s *StoreImpl) ListCategorizedFiles(dirPath string) ([]models.CategorizedFile, error) {
	rows, err := s.db.Query(`SELECT file_name, file_type, dir_path, category, subcategory, taxonomy_id, updated_at
		FROM file_categorization WHERE dir_path = ? ORDER BY id`, dirPath)
	if err != nil {
		return nil, fmt.Errorf("list categorized files: %w", err)
	}
	return scanCategorizedFiles(rows)
}

// RecentCategoriesForExtension returns the most recently assigned distinct
// (category, subcategory) pairs for files sharing an extension. This is the
// persisted cross-session hint source.
func (s *StoreImpl) RecentCategoriesForExtension(extension string, fileType models.FileType, limit int) ([]models.CategoryPair, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Directories carry no extension; match them by type alone.
	pattern := "%" + extension
	rows, err := s.db.Query(`SELECT category, subcategory, MAX(updated_at) AS last_used
		FROM file_categorization
		WHERE file_type = ?
		  AND (? = '' OR LOWER(file_name) LIKE ?)
		  AND TRIM(category) <> ''
		GROUP BY category, subcategory
		ORDER BY last_used DESC
		LIMIT ?`,
		string(fileType), extension, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("recent categories for extension: %w", err)
	}
	defer rows.Close()

	var pairs []models.CategoryPair
	for rows.Next() {
		var p models.CategoryPair
		var lastUsed string
		if err := rows.Scan(&p.Category, &p.Subcategory, &lastUsed); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func scanCategorizedFiles(rows *sql.Rows) ([]models.CategorizedFile, error) {
	defer rows.Close()
	var files []models.CategorizedFile
	for rows.Next() {
		var f models.CategorizedFile
		var fileType string
		var taxonomyID sql.NullInt64
		var updatedAt sql.NullTime
		if err := rows.Scan(&f.FileName, &fileType, &f.DirPath, &f.Category, &f.Subcategory, &taxonomyID, &updatedAt); err != nil {
			return nil, err
		}
		if updatedAt.Valid {
			f.UpdatedAt = updatedAt.Time
		}
		f.Type = models.FileType(fileType)
		f.TaxonomyID = -1
		if taxonomyID.Valid {
			f.TaxonomyID = taxonomyID.Int64
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
