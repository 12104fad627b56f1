package services

import (
	"path/filepath"
	"strings"

	"filesort/internal/models"
)

// maxConsistencyHints bounds both the per-signature history and the hint
// block offered to the model.
const maxConsistencyHints = 5

// sessionHistory groups recent assignments by file signature for the
// duration of one categorization run. Most recent first.
type sessionHistory map[string][]models.CategoryPair

// makeFileSignature keys hint history by (type, lowercase extension).
// Extension-less files and directories share the "<none>" bucket of their
// type.
func makeFileSignature(fileType models.FileType, extension string) string {
	typeTag := "FILE"
	if fileType == models.FileTypeDirectory {
		typeTag = "DIR"
	}
	if extension == "" {
		extension = "<none>"
	}
	return typeTag + ":" + extension
}

// extractExtension returns the lowercase extension including the dot, or ""
// when there is none.
func extractExtension(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "." {
		return ""
	}
	return strings.ToLower(ext)
}

// recordAssignment pushes a pair to the front of the signature's history,
// deduplicating by exact pair match (repeats move to the front) and capping
// the history at maxConsistencyHints.
func (h sessionHistory) recordAssignment(signature string, pair models.CategoryPair) {
	normalized, ok := normalizeHint(pair)
	if !ok {
		return
	}

	history := h[signature]
	for i, existing := range history {
		if existing == normalized {
			history = append(history[:i], history[i+1:]...)
			break
		}
	}
	history = append([]models.CategoryPair{normalized}, history...)
	if len(history) > maxConsistencyHints {
		history = history[:maxConsistencyHints]
	}
	h[signature] = history
}

// hintsFor gathers up to maxConsistencyHints pairs: in-session history
// first, then the persisted recent-categories source, without duplicates.
func (h sessionHistory) hintsFor(signature string, persisted []models.CategoryPair) []models.CategoryPair {
	if signature == "" {
		return nil
	}

	var hints []models.CategoryPair
	for _, pair := range h[signature] {
		if appendUniqueHint(&hints, pair) && len(hints) == maxConsistencyHints {
			return hints
		}
	}
	for _, pair := range persisted {
		if appendUniqueHint(&hints, pair) && len(hints) == maxConsistencyHints {
			break
		}
	}
	return hints
}

func appendUniqueHint(target *[]models.CategoryPair, candidate models.CategoryPair) bool {
	normalized, ok := normalizeHint(candidate)
	if !ok {
		return false
	}
	for _, existing := range *target {
		if existing == normalized {
			return false
		}
	}
	*target = append(*target, normalized)
	return true
}

// normalizeHint sanitizes a pair for prompt use. Category-less hints are
// useless; subcategory-less hints fall back to the category.
func normalizeHint(pair models.CategoryPair) (models.CategoryPair, bool) {
	normalized := models.CategoryPair{
		Category:    sanitizeLabel(pair.Category),
		Subcategory: sanitizeLabel(pair.Subcategory),
	}
	if normalized.Category == "" {
		return models.CategoryPair{}, false
	}
	if normalized.Subcategory == "" {
		normalized.Subcategory = normalized.Category
	}
	return normalized, true
}

// formatHintBlock renders the hint list for the prompt context.
func formatHintBlock(hints []models.CategoryPair) string {
	if len(hints) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent assignments for similar items:\n")
	for _, hint := range hints {
		sub := hint.Subcategory
		if sub == "" {
			sub = hint.Category
		}
		b.WriteString("- " + hint.Category + " : " + sub + "\n")
	}
	b.WriteString("Prefer one of the above when it fits; otherwise, choose the closest consistent alternative.")
	return b.String()
}
