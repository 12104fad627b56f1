package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesort/internal/models"
	"filesort/internal/store/primary"
	"filesort/pkg/categorizer"
)

type fakeReply struct {
	text string
	err  error
}

// fakeCategorizer plays back scripted replies and records what it was asked.
// A per-call delay makes the reply arrive late.
type fakeCategorizer struct {
	mu           sync.Mutex
	replies      []fakeReply
	delays       []time.Duration
	calls        int
	instructions []string
}

func (f *fakeCategorizer) CategorizeFile(ctx context.Context, fileName, filePath string, fileType models.FileType, instructions string) (string, error) {
	f.mu.Lock()
	f.instructions = append(f.instructions, instructions)
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.delays) {
		time.Sleep(f.delays[i])
	}
	if i >= len(f.replies) {
		return "", models.ErrInvalidOutput
	}
	return f.replies[i].text, f.replies[i].err
}

func (f *fakeCategorizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func factoryFor(f *fakeCategorizer) func() (categorizer.FileCategorizer, error) {
	return func() (categorizer.FileCategorizer, error) { return f, nil }
}

func newTestService(t *testing.T, opts Options) (*CategorizationService, *primary.StoreImpl) {
	t.Helper()
	s, err := primary.NewPrimaryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := NewCategorizationService(s, s, opts)
	svc.sleep = func(time.Duration) {}
	return svc, s
}

func localOptions() Options {
	return Options{
		Provider:            categorizer.ProviderLocal,
		UseSubcategories:    true,
		UseConsistencyHints: true,
	}
}

func entry(name string) models.FileEntry {
	return models.FileEntry{Name: name, FullPath: "/tmp/in/" + name, Type: models.FileTypeFile}
}

func TestCategorizeEntries_NilFactoryAbortsBatch(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	_, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("a.pdf")}, nil, Callbacks{})
	assert.ErrorIs(t, err, models.ErrClientCreation)
}

func TestCategorizeEntries_FactoryErrorAbortsBatch(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	factory := func() (categorizer.FileCategorizer, error) {
		return nil, assert.AnError
	}
	_, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("a.pdf")}, factory, Callbacks{})
	assert.ErrorIs(t, err, models.ErrClientCreation)
}

func TestCategorizeEntries_PersistsAndServesFromCache(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	fake := &fakeCategorizer{replies: []fakeReply{{text: "Documents : Reports"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("report.pdf")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Documents", results[0].Category)
	assert.Equal(t, "Reports", results[0].Subcategory)
	assert.False(t, results[0].FromCache)
	assert.GreaterOrEqual(t, results[0].TaxonomyID, int64(1))

	// Second pass: the cache answers, the model is never consulted.
	fresh := &fakeCategorizer{}
	results, err = svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("report.pdf")}, factoryFor(fresh), Callbacks{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].FromCache)
	assert.Zero(t, fresh.callCount())
}

func TestCategorizeEntries_MissingRemoteCredentialsSkipsItem(t *testing.T) {
	opts := localOptions()
	opts.Provider = categorizer.ProviderOpenAI
	opts.APIKey = ""
	svc, _ := newTestService(t, opts)

	var messages []string
	fake := &fakeCategorizer{replies: []fakeReply{{text: "Documents : Reports"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("a.pdf")}, factoryFor(fake),
		Callbacks{Progress: func(m string) { messages = append(messages, m) }})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fake.callCount(), "no model call without credentials")
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[len(messages)-1], "missing")
}

func TestCategorizeEntries_RateLimitRetriesOnce(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	var slept time.Duration
	svc.sleep = func(d time.Duration) { slept += d }

	fake := &fakeCategorizer{replies: []fakeReply{
		{err: &models.RateLimitError{RetryAfter: 2 * time.Second}},
		{text: "Music : Albums"},
	}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("song.mp3")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Music", results[0].Category)
	assert.Equal(t, 2, fake.callCount())
	assert.GreaterOrEqual(t, slept, 2*time.Second, "the advisory wait is honored")
}

func TestCategorizeEntries_SecondRateLimitDropsItem(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	fake := &fakeCategorizer{replies: []fakeReply{
		{err: &models.RateLimitError{RetryAfter: time.Second}},
		{err: &models.RateLimitError{RetryAfter: time.Second}},
		{text: "Music : Albums"},
	}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("song.mp3")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 2, fake.callCount(), "one retry per item, no more")
}

func TestCategorizeEntries_IdenticalLabelsGoToRecategorization(t *testing.T) {
	svc, s := newTestService(t, localOptions())

	var reasons []string
	fake := &fakeCategorizer{replies: []fakeReply{{text: "Installers : Installers"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("setup.exe")}, factoryFor(fake),
		Callbacks{Recategorize: func(file models.CategorizedFile, reason string) {
			assert.Equal(t, "setup.exe", file.FileName)
			reasons = append(reasons, reason)
		}})
	require.NoError(t, err)
	assert.Empty(t, results)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "identical")

	_, err = s.GetCategorization("setup.exe", models.FileTypeFile)
	assert.ErrorIs(t, err, models.ErrNotFound, "invalid results must not be cached")
}

func TestCategorizeEntries_UncertainReplyIsNotPersisted(t *testing.T) {
	svc, s := newTestService(t, localOptions())

	var recategorized int
	fake := &fakeCategorizer{replies: []fakeReply{{text: "UNCERTAIN : blob.bin"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("blob.bin")}, factoryFor(fake),
		Callbacks{Recategorize: func(models.CategorizedFile, string) { recategorized++ }})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, recategorized)

	_, err = s.GetCategorization("blob.bin", models.FileTypeFile)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCategorizeEntries_GenericLabelsAreRejected(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	var recategorized int
	fake := &fakeCategorizer{replies: []fakeReply{{text: "Miscellaneous : Stuff"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("thing.dat")}, factoryFor(fake),
		Callbacks{Recategorize: func(models.CategorizedFile, string) { recategorized++ }})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, recategorized)
}

func TestCategorizeEntries_SubcategoriesDisabled(t *testing.T) {
	opts := localOptions()
	opts.UseSubcategories = false
	svc, _ := newTestService(t, opts)

	fake := &fakeCategorizer{replies: []fakeReply{{text: "Documents : Reports"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("a.pdf")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Documents", results[0].Category)
	assert.Equal(t, "General", results[0].Subcategory, "the parsed subcategory is discarded")
}

func TestCategorizeEntries_WhitelistReplacesOffListCategory(t *testing.T) {
	opts := localOptions()
	opts.UseWhitelist = true
	opts.AllowedCategories = []string{"Documents", "Music"}
	svc, _ := newTestService(t, opts)

	fake := &fakeCategorizer{replies: []fakeReply{{text: "Junk : Stuff"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("a.pdf")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Documents", results[0].Category, "off-list categories collapse to the first allowed one")
	assert.Contains(t, fake.instructions[0], "Allowed main categories", "the whitelist is offered to the model up front")
}

func TestCategorizeEntries_HintsReachTheModel(t *testing.T) {
	svc, s := newTestService(t, localOptions())

	require.NoError(t, s.UpsertFileCategorization(models.CategorizedFile{
		DirPath: "/tmp/in", FileName: "old.pdf", Type: models.FileTypeFile,
		Category: "Documents", Subcategory: "Reports", TaxonomyID: 1,
	}))

	fake := &fakeCategorizer{replies: []fakeReply{{text: "Documents : Scans"}}}
	_, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("new.pdf")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)

	require.NotEmpty(t, fake.instructions)
	assert.Contains(t, fake.instructions[0], "Recent assignments for similar items:")
	assert.Contains(t, fake.instructions[0], "- Documents : Reports")
}

func TestCategorizeEntries_TimedOutCallDropsItemAndContinues(t *testing.T) {
	t.Setenv(localTimeoutEnv, "1")
	svc, s := newTestService(t, localOptions())

	var messages []string
	fake := &fakeCategorizer{
		replies: []fakeReply{{text: "Documents : Reports"}, {text: "Music : Albums"}},
		delays:  []time.Duration{2 * time.Second},
	}
	start := time.Now()
	results, err := svc.CategorizeEntries(context.Background(),
		[]models.FileEntry{entry("slow.pdf"), entry("song.mp3")}, factoryFor(fake),
		Callbacks{Progress: func(m string) { messages = append(messages, m) }})
	require.NoError(t, err)

	require.Len(t, results, 1, "the slow item is dropped, the batch continues")
	assert.Equal(t, "song.mp3", results[0].FileName)
	assert.Less(t, time.Since(start), 2*time.Second, "the caller returns at the deadline, not when the call finishes")

	var timedOut bool
	for _, m := range messages {
		if strings.Contains(m, "[LLM-ERROR] slow.pdf") && strings.Contains(m, "timed out") {
			timedOut = true
		}
	}
	assert.True(t, timedOut, "the timeout is surfaced through progress")

	_, err = s.GetCategorization("slow.pdf", models.FileTypeFile)
	assert.ErrorIs(t, err, models.ErrNotFound, "timed-out items are not cached")
}

// hintCountingStore counts how often the hint query runs.
type hintCountingStore struct {
	*primary.StoreImpl
	hintQueries int
}

func (c *hintCountingStore) RecentCategoriesForExtension(extension string, fileType models.FileType, limit int) ([]models.CategoryPair, error) {
	c.hintQueries++
	return c.StoreImpl.RecentCategoriesForExtension(extension, fileType, limit)
}

func TestCategorizeEntries_CacheHitSkipsHintQuery(t *testing.T) {
	s, err := primary.NewPrimaryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	wrapped := &hintCountingStore{StoreImpl: s}
	svc := NewCategorizationService(s, wrapped, localOptions())
	svc.sleep = func(time.Duration) {}

	require.NoError(t, s.UpsertFileCategorization(models.CategorizedFile{
		DirPath: "/tmp/in", FileName: "report.pdf", Type: models.FileTypeFile,
		Category: "Documents", Subcategory: "Reports", TaxonomyID: 1,
	}))

	fake := &fakeCategorizer{}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("report.pdf")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].FromCache)
	assert.Zero(t, wrapped.hintQueries, "cached items pay no hint lookup")
	assert.Zero(t, fake.callCount())
}

// failingUpsertStore rejects every cache write.
type failingUpsertStore struct {
	*primary.StoreImpl
}

func (f *failingUpsertStore) UpsertFileCategorization(models.CategorizedFile) error {
	return assert.AnError
}

func TestCategorizeEntries_PersistFailureIsSurfaced(t *testing.T) {
	s, err := primary.NewPrimaryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := NewCategorizationService(s, &failingUpsertStore{StoreImpl: s}, localOptions())
	svc.sleep = func(time.Duration) {}

	var messages []string
	fake := &fakeCategorizer{replies: []fakeReply{{text: "Documents : Reports"}}}
	results, err := svc.CategorizeEntries(context.Background(), []models.FileEntry{entry("a.pdf")}, factoryFor(fake),
		Callbacks{Progress: func(m string) { messages = append(messages, m) }})
	require.NoError(t, err)
	require.Len(t, results, 1, "the item keeps its labels even when the cache write fails")

	var surfaced bool
	for _, m := range messages {
		if strings.Contains(m, "not persisted") {
			surfaced = true
		}
	}
	assert.True(t, surfaced, "a failed cache write is reported to the user")
}

func TestCategorizeEntries_CancelledContextStopsBetweenItems(t *testing.T) {
	svc, _ := newTestService(t, localOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakeCategorizer{replies: []fakeReply{{text: "Documents : Reports"}}}
	results, err := svc.CategorizeEntries(ctx, []models.FileEntry{entry("a.pdf"), entry("b.pdf")}, factoryFor(fake), Callbacks{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fake.callCount())
}

func TestSetUserCategorization(t *testing.T) {
	svc, s := newTestService(t, localOptions())

	record, err := svc.SetUserCategorization("/tmp/in", "taxes.pdf", models.FileTypeFile, " Finance ", "Tax Returns")
	require.NoError(t, err)
	assert.True(t, record.UserProvided)
	assert.Equal(t, "Finance", record.Category)

	pair, err := s.GetCategorization("taxes.pdf", models.FileTypeFile)
	require.NoError(t, err)
	assert.Equal(t, "Finance", pair.Category)
	assert.Equal(t, "Tax Returns", pair.Subcategory)

	_, err = svc.SetUserCategorization("/tmp/in", "taxes.pdf", models.FileTypeFile, "Docs", "docs")
	assert.ErrorIs(t, err, models.ErrInvalidOutput, "identical labels are rejected for user input too")
}

func TestResolveLLMTimeout(t *testing.T) {
	t.Setenv(localTimeoutEnv, "")
	t.Setenv(remoteTimeoutEnv, "")
	assert.Equal(t, defaultLocalTimeout, resolveLLMTimeout(true))
	assert.Equal(t, defaultRemoteTimeout, resolveLLMTimeout(false))

	t.Setenv(localTimeoutEnv, "5")
	assert.Equal(t, 5*time.Second, resolveLLMTimeout(true))

	// Unparseable and non-positive overrides are logged and ignored.
	t.Setenv(localTimeoutEnv, "abc")
	assert.Equal(t, defaultLocalTimeout, resolveLLMTimeout(true))
	t.Setenv(remoteTimeoutEnv, "-3")
	assert.Equal(t, defaultRemoteTimeout, resolveLLMTimeout(false))
}

func TestBuildCombinedContext_Ordering(t *testing.T) {
	opts := localOptions()
	opts.CategoryLanguage = "German"
	opts.UseWhitelist = true
	opts.AllowedCategories = []string{"Dokumente"}
	opts.UserContext = "These are scanned tax documents."
	svc, _ := newTestService(t, opts)

	combined := svc.buildCombinedContext("Recent assignments for similar items:\n- A : B")
	langIdx := strings.Index(combined, "German")
	wlIdx := strings.Index(combined, "Allowed main categories")
	ctxIdx := strings.Index(combined, "scanned tax documents")
	hintIdx := strings.Index(combined, "Recent assignments")

	require.GreaterOrEqual(t, langIdx, 0)
	require.GreaterOrEqual(t, wlIdx, 0)
	require.GreaterOrEqual(t, ctxIdx, 0)
	require.GreaterOrEqual(t, hintIdx, 0)
	assert.Less(t, langIdx, ctxIdx, "language directive comes first")
	assert.Less(t, ctxIdx, wlIdx, "user context opens the whitelist block")
	assert.Less(t, wlIdx, hintIdx, "hints close the combined context")
}
