package primary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesort/internal/models"
)

func setupTestStore(t *testing.T) *StoreImpl {
	t.Helper()
	s, err := NewPrimaryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{
		"Bank Statements":      "bank statements",
		"  Bank   Statements ": "bank statements",
		"Bank-Statements!":     "bankstatements",
		"PDFs (2024)":          "pdfs 2024",
		"":                     "",
		"   ":                  "",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizeLabel(input), "input %q", input)
		// Idempotence: normalizing a normalized label is a no-op.
		assert.Equal(t, want, normalizeLabel(normalizeLabel(input)), "input %q", input)
	}
}

func TestStringSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, stringSimilarity("documents", "documents"))
	assert.Equal(t, 0.0, stringSimilarity("", "documents"))
	assert.Equal(t, 0.0, stringSimilarity("documents", ""))

	// One deletion out of 15 characters.
	assert.InDelta(t, 1.0-1.0/15.0, stringSimilarity("bank statements", "bank statement"), 1e-9)
	assert.Less(t, stringSimilarity("images", "invoices"), 0.85)
}

func TestResolve_CreatesAndReusesEntries(t *testing.T) {
	s := setupTestStore(t)

	first := s.Resolve("Documents", "Invoices")
	require.False(t, first.Unresolved())
	assert.Equal(t, "Documents", first.Category)
	assert.Equal(t, "Invoices", first.Subcategory)

	again := s.Resolve("documents", "INVOICES")
	assert.Equal(t, first.TaxonomyID, again.TaxonomyID)
	assert.Equal(t, first.Category, again.Category, "output labels are byte-identical across resolutions")
	assert.Equal(t, first.Subcategory, again.Subcategory)
}

func TestResolve_EmptyInputsDefault(t *testing.T) {
	s := setupTestStore(t)

	r := s.Resolve("   ", "")
	assert.Equal(t, "Uncategorized", r.Category)
	assert.Equal(t, "General", r.Subcategory)
	assert.False(t, r.Unresolved())
}

func TestResolve_FuzzyMatchMapsNearDuplicates(t *testing.T) {
	s := setupTestStore(t)

	original := s.Resolve("Bank Statements", "Financial")
	require.False(t, original.Unresolved())

	variant := s.Resolve("Bank Statement", "Financial")
	assert.Equal(t, original.TaxonomyID, variant.TaxonomyID)
	assert.Equal(t, "Bank Statements", variant.Category, "canonical labels win over the variant")

	entries, err := s.ListTaxonomy()
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the variant must not create a second entry")
}

func TestResolve_AliasBypassesFuzzyMatching(t *testing.T) {
	s := setupTestStore(t)

	s.Resolve("Bank Statements", "Financial")
	s.Resolve("Bank Statement", "Financial") // fuzzy hit, alias recorded
	callsAfterFuzzy := s.FuzzyMatchCalls()

	repeat := s.Resolve("Bank Statement", "Financial")
	assert.Equal(t, "Bank Statements", repeat.Category)
	assert.Equal(t, callsAfterFuzzy, s.FuzzyMatchCalls(), "a memoized alias must skip the fuzzy pass")
}

func TestResolve_AliasSurvivesRestart(t *testing.T) {
	// File-backed store so a second instance sees the persisted alias.
	path := t.TempDir() + "/taxonomy.db"
	s, err := NewPrimaryStore(path)
	require.NoError(t, err)

	original := s.Resolve("Bank Statements", "Financial")
	s.Resolve("Bank Statement", "Financial") // records the alias
	require.NoError(t, s.Close())

	reopened, err := NewPrimaryStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	repeat := reopened.Resolve("Bank Statement", "Financial")
	assert.Equal(t, original.TaxonomyID, repeat.TaxonomyID)
	assert.Equal(t, "Bank Statements", repeat.Category)
	assert.Zero(t, reopened.FuzzyMatchCalls(), "the persisted alias must answer without fuzzy matching")
}

func TestResolve_DistinctInputsCreateDistinctEntries(t *testing.T) {
	s := setupTestStore(t)

	a := s.Resolve("Images", "Screenshots")
	b := s.Resolve("Music", "Albums")
	assert.NotEqual(t, a.TaxonomyID, b.TaxonomyID)

	entries, err := s.ListTaxonomy()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestResolve_DegradesWhenStoreClosed(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Close())

	r := s.Resolve(" Documents ", "Invoices")
	assert.True(t, r.Unresolved())
	assert.Equal(t, "Documents", r.Category, "degraded output still trims the input")
	assert.Equal(t, "Invoices", r.Subcategory)
}

func TestRefreshFrequency_TracksLiveCount(t *testing.T) {
	s := setupTestStore(t)

	r := s.Resolve("Documents", "Reports")
	require.False(t, r.Unresolved())

	for _, name := range []string{"a.pdf", "b.pdf"} {
		require.NoError(t, s.UpsertFileCategorization(models.CategorizedFile{
			DirPath:     "/tmp/in",
			FileName:    name,
			Type:        models.FileTypeFile,
			Category:    r.Category,
			Subcategory: r.Subcategory,
			TaxonomyID:  r.TaxonomyID,
		}))
	}
	require.NoError(t, s.RefreshFrequency(r.TaxonomyID))

	entries, err := s.ListTaxonomy()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].Frequency)

	// Removing a record and refreshing recomputes downward, not just up.
	require.NoError(t, s.RemoveFileCategorization("/tmp/in", "a.pdf", models.FileTypeFile))
	require.NoError(t, s.RefreshFrequency(r.TaxonomyID))
	entries, err = s.ListTaxonomy()
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries[0].Frequency)
}
