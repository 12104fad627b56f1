package primary

import (
	"sort"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"

	"filesort/internal/models"
)

// similarityThreshold is the minimum averaged category/subcategory score for
// a fuzzy match to be accepted.
const similarityThreshold = 0.85

func makeKey(normCategory, normSubcategory string) string {
	return normCategory + "::" + normSubcategory
}

// normalizeLabel lowercases and keeps only alphanumerics and single interior
// spaces. It is idempotent: normalizeLabel(normalizeLabel(x)) == normalizeLabel(x).
func normalizeLabel(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	lastWasSpace := true
	for _, r := range input {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteByte(' ')
				lastWasSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// stringSimilarity scores two normalized labels in [0,1] as
// 1 - editDistance/max(len). Identical strings score 1; one empty side
// scores 0.
func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	ra, rb := []rune(a), []rune(b)
	m, n := len(ra), len(rb)
	prev := make([]int, n+1)
	curr := make([]int, n+1)
	for j := 0; j <= n; j++ {
		prev[j] = j
	}
	for i := 1; i <= m; i++ {
		curr[0] = i
		for j := 1; j <= n; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	maxLen := m
	if n > maxLen {
		maxLen = n
	}
	return 1.0 - float64(prev[n])/float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Resolve canonicalizes free-text labels per the lookup order
// alias -> canonical -> fuzzy, creating a new taxonomy entry when nothing
// matches. It never returns an error: on database failure it degrades to the
// trimmed input with TaxonomyID -1 and no mutation.
func (s *StoreImpl) Resolve(category, subcategory string) models.ResolvedCategory {
	trimmedCategory := strings.TrimSpace(category)
	trimmedSubcategory := strings.TrimSpace(subcategory)
	if trimmedCategory == "" {
		trimmedCategory = "Uncategorized"
	}
	if trimmedSubcategory == "" {
		trimmedSubcategory = "General"
	}

	result := models.ResolvedCategory{
		TaxonomyID:  -1,
		Category:    trimmedCategory,
		Subcategory: trimmedSubcategory,
	}
	if s.db == nil {
		return result
	}

	normCategory := normalizeLabel(trimmedCategory)
	normSubcategory := normalizeLabel(trimmedSubcategory)
	key := makeKey(normCategory, normSubcategory)

	s.mu.Lock()
	defer s.mu.Unlock()

	taxonomyID := s.resolveExistingLocked(key, normCategory, normSubcategory)
	if taxonomyID == -1 {
		taxonomyID = s.createTaxonomyEntryLocked(trimmedCategory, trimmedSubcategory, normCategory, normSubcategory)
	}
	if taxonomyID == -1 {
		return result
	}

	s.ensureAliasMappingLocked(taxonomyID, normCategory, normSubcategory)

	if entry, ok := s.entries[taxonomyID]; ok {
		result.TaxonomyID = taxonomyID
		result.Category = entry.category
		result.Subcategory = entry.subcategory
	} else {
		result.TaxonomyID = taxonomyID
	}
	return result
}

func (s *StoreImpl) resolveExistingLocked(key, normCategory, normSubcategory string) int64 {
	if id, ok := s.aliasLookup[key]; ok {
		return id
	}
	if id, ok := s.canonicalLookup[key]; ok {
		return id
	}
	id, _ := s.findFuzzyMatchLocked(normCategory, normSubcategory)
	return id
}

// findFuzzyMatchLocked scores every entry and keeps the best. Ties break to
// the lowest taxonomy id so resolution is deterministic for a fixed store.
func (s *StoreImpl) findFuzzyMatchLocked(normCategory, normSubcategory string) (int64, float64) {
	s.fuzzyCalls++
	if len(s.entries) == 0 {
		return -1, 0.0
	}

	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bestScore := 0.0
	bestID := int64(-1)
	for _, id := range ids {
		entry := s.entries[id]
		categoryScore := stringSimilarity(normCategory, entry.normCategory)
		subcategoryScore := stringSimilarity(normSubcategory, entry.normSubcategory)
		combined := (categoryScore + subcategoryScore) / 2.0
		if combined > bestScore {
			bestScore = combined
			bestID = id
		}
	}

	if bestID != -1 && bestScore >= similarityThreshold {
		return bestID, bestScore
	}
	return -1, bestScore
}

func (s *StoreImpl) createTaxonomyEntryLocked(category, subcategory, normCategory, normSubcategory string) int64 {
	res, err := s.db.Exec(`INSERT INTO category_taxonomy
		(canonical_category, canonical_subcategory, normalized_category, normalized_subcategory, frequency)
		VALUES (?, ?, ?, ?, 0)`,
		category, subcategory, normCategory, normSubcategory)
	if err != nil {
		// A concurrent writer may have created the same normalized pair;
		// fall back to the existing row instead of erroring.
		if isUniqueViolation(err) {
			return s.findExistingTaxonomyID(normCategory, normSubcategory)
		}
		log.Errorf("Failed to insert taxonomy entry: %v", err)
		return -1
	}

	id, err := res.LastInsertId()
	if err != nil {
		log.Errorf("Failed to read taxonomy insert id: %v", err)
		return -1
	}
	s.entries[id] = entryLabels{
		category:        category,
		subcategory:     subcategory,
		normCategory:    normCategory,
		normSubcategory: normSubcategory,
	}
	s.canonicalLookup[makeKey(normCategory, normSubcategory)] = id
	return id
}

func (s *StoreImpl) findExistingTaxonomyID(normCategory, normSubcategory string) int64 {
	var id int64
	var e entryLabels
	err := s.db.QueryRow(`SELECT id, canonical_category, canonical_subcategory,
		normalized_category, normalized_subcategory FROM category_taxonomy
		WHERE normalized_category = ? AND normalized_subcategory = ? LIMIT 1`,
		normCategory, normSubcategory).Scan(&id, &e.category, &e.subcategory, &e.normCategory, &e.normSubcategory)
	if err != nil {
		return -1
	}
	// Adopt the row created by the concurrent writer into the cache.
	s.entries[id] = e
	s.canonicalLookup[makeKey(e.normCategory, e.normSubcategory)] = id
	return id
}

// ensureAliasMappingLocked records the request's normalized key as an alias
// for taxonomyID, unless that key is already some entry's canonical key.
func (s *StoreImpl) ensureAliasMappingLocked(taxonomyID int64, normCategory, normSubcategory string) {
	key := makeKey(normCategory, normSubcategory)
	if _, ok := s.canonicalLookup[key]; ok {
		return
	}
	if _, ok := s.aliasLookup[key]; ok {
		return
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO category_alias
		(alias_category_norm, alias_subcategory_norm, taxonomy_id) VALUES (?, ?, ?)`,
		normCategory, normSubcategory, taxonomyID)
	if err != nil {
		log.Errorf("Failed to insert alias: %v", err)
		return
	}
	s.aliasLookup[key] = taxonomyID
}

// RefreshFrequency recomputes the entry's frequency as the live count of
// file_categorization rows referencing it, so the counter self-corrects if
// records are removed elsewhere.
func (s *StoreImpl) RefreshFrequency(taxonomyID int64) error {
	_, err := s.db.Exec(`UPDATE category_taxonomy SET frequency =
		(SELECT COUNT(*) FROM file_categorization WHERE taxonomy_id = ?)
		WHERE id = ?`, taxonomyID, taxonomyID)
	return err
}

// ListTaxonomy returns all taxonomy entries ordered by id.
func (s *StoreImpl) ListTaxonomy() ([]models.TaxonomyEntry, error) {
	rows, err := s.db.Query(`SELECT id, canonical_category, canonical_subcategory,
		normalized_category, normalized_subcategory, frequency
		FROM category_taxonomy ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.TaxonomyEntry
	for rows.Next() {
		var e models.TaxonomyEntry
		if err := rows.Scan(&e.ID, &e.Category, &e.Subcategory, &e.NormCategory, &e.NormSubcategory, &e.Frequency); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FuzzyMatchCalls exposes how many times fuzzy matching ran. Tests use it to
// verify that alias hits bypass the fuzzy pass.
func (s *StoreImpl) FuzzyMatchCalls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fuzzyCalls
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
