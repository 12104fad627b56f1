package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"filesort/internal/models"
	"filesort/internal/store"
	"filesort/pkg/categorizer"
)

const (
	localTimeoutEnv  = "FILESORT_LOCAL_LLM_TIMEOUT"
	remoteTimeoutEnv = "FILESORT_REMOTE_LLM_TIMEOUT"

	defaultLocalTimeout  = 60 * time.Second
	defaultRemoteTimeout = 10 * time.Second

	// Advisory wait when a rate-limited provider gives no hint.
	defaultRateLimitWait = 60 * time.Second
)

// ProgressCallback receives human-readable status lines.
type ProgressCallback func(message string)

// QueueCallback announces the item about to be processed.
type QueueCallback func(entry models.FileEntry)

// RecategorizationCallback receives items whose result was empty or invalid,
// with a human-readable reason. Such items are not part of the final output.
type RecategorizationCallback func(file models.CategorizedFile, reason string)

// Callbacks bundles the side channels of a categorization run. Any field may
// be nil.
type Callbacks struct {
	Progress     ProgressCallback
	Queue        QueueCallback
	Recategorize RecategorizationCallback
}

// Options are the per-run configuration flags.
type Options struct {
	Provider             categorizer.Provider
	APIKey               string
	UseSubcategories     bool
	UseConsistencyHints  bool
	UseWhitelist         bool
	AllowedCategories    []string
	AllowedSubcategories []string
	// CategoryLanguage, when not empty/"English", asks the model to answer
	// in that language.
	CategoryLanguage string
	// UserContext is free-form text about the files being sorted,
	// prepended to the whitelist block.
	UserContext string
}

// CategorizationService drives the per-item categorization flow:
// cache check, credential check, hint assembly, model call with timeout,
// validation, persistence and session-history update. Items are processed
// sequentially so provider rate budgets hold and item N's hints can include
// item N-1's result.
type CategorizationService struct {
	taxonomy store.TaxonomyStore
	files    store.CategorizationStore
	opts     Options

	sleep func(time.Duration)
}

// NewCategorizationService wires the orchestrator to its stores.
func NewCategorizationService(taxonomy store.TaxonomyStore, files store.CategorizationStore, opts Options) *CategorizationService {
	return &CategorizationService{
		taxonomy: taxonomy,
		files:    files,
		opts:     opts,
		sleep:    time.Sleep,
	}
}

// LoadCachedEntries returns the persisted categorizations under a directory.
func (s *CategorizationService) LoadCachedEntries(dirPath string) ([]models.CategorizedFile, error) {
	return s.files.ListCategorizedFiles(dirPath)
}

// PruneEmptyCachedEntries drops cached records with empty labels under a
// directory and returns them so the caller can requeue.
func (s *CategorizationService) PruneEmptyCachedEntries(dirPath string) ([]models.CategorizedFile, error) {
	return s.files.RemoveEmptyCategorizations(dirPath)
}

// SetUserCategorization pins labels chosen by the user for one item. The
// labels go through the same sanitation, validation and taxonomy resolution
// as model output, and the stored record is marked user-provided.
func (s *CategorizationService) SetUserCategorization(
	dirPath, fileName string,
	fileType models.FileType,
	category, subcategory string,
) (models.CategorizedFile, error) {
	category = sanitizeLabel(category)
	subcategory = sanitizeLabel(subcategory)
	if err := validateLabels(category, subcategory); err != nil {
		return models.CategorizedFile{}, fmt.Errorf("%w: %v", models.ErrInvalidOutput, err)
	}

	resolved := s.taxonomy.Resolve(category, subcategory)
	record := models.CategorizedFile{
		DirPath:      dirPath,
		FileName:     fileName,
		Type:         fileType,
		Category:     resolved.Category,
		Subcategory:  resolved.Subcategory,
		TaxonomyID:   resolved.TaxonomyID,
		UserProvided: true,
	}
	if err := s.files.UpsertFileCategorization(record); err != nil {
		return models.CategorizedFile{}, err
	}
	if !resolved.Unresolved() {
		if err := s.taxonomy.RefreshFrequency(resolved.TaxonomyID); err != nil {
			log.Warnf("Failed to refresh frequency for taxonomy %d: %v", resolved.TaxonomyID, err)
		}
	}
	return record, nil
}

// CategorizeEntries processes a batch in input order. Cancellation is
// cooperative through ctx: it is polled before each item and once per second
// during rate-limit waits; already-accumulated results are returned. Only a
// failure to construct the model client aborts the batch.
func (s *CategorizationService) CategorizeEntries(
	ctx context.Context,
	entries []models.FileEntry,
	factory func() (categorizer.FileCategorizer, error),
	cb Callbacks,
) ([]models.CategorizedFile, error) {
	categorized := make([]models.CategorizedFile, 0, len(entries))
	if len(entries) == 0 {
		return categorized, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no model factory provided", models.ErrClientCreation)
	}
	llm, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrClientCreation, err)
	}
	if llm == nil {
		return nil, fmt.Errorf("%w: factory returned no client", models.ErrClientCreation)
	}

	sessionID := uuid.NewString()
	log.Infof("Starting categorization session %s (%d items, provider=%s)",
		sessionID, len(entries), s.opts.Provider)

	history := make(sessionHistory)
	for _, entry := range entries {
		if ctx.Err() != nil {
			log.Infof("Categorization session %s cancelled after %d result(s)", sessionID, len(categorized))
			break
		}
		if cb.Queue != nil {
			cb.Queue(entry)
		}
		if result, ok := s.categorizeSingleEntry(ctx, llm, entry, history, cb); ok {
			categorized = append(categorized, result)
		}
	}
	return categorized, nil
}

func (s *CategorizationService) categorizeSingleEntry(
	ctx context.Context,
	llm categorizer.FileCategorizer,
	entry models.FileEntry,
	history sessionHistory,
	cb Callbacks,
) (models.CategorizedFile, bool) {
	dirPath := filepath.Dir(entry.FullPath)

	// Cache first: a valid cached record short-circuits the model call.
	if resolved, ok := s.tryCachedCategorization(entry, cb); ok {
		result := s.finalizedFile(entry, dirPath, resolved)
		result.FromCache = true
		return result, true
	}

	if s.opts.Provider.Remote() && s.opts.APIKey == "" {
		msg := fmt.Sprintf("[REMOTE] %s (missing %s API key)", entry.Name, s.opts.Provider)
		if cb.Progress != nil {
			cb.Progress(msg)
		}
		log.Error(msg)
		return models.CategorizedFile{}, false
	}

	// Hints are only assembled once a model call is actually due.
	extension := extractExtension(entry.Name)
	signature := makeFileSignature(entry.Type, extension)
	hintBlock := ""
	if s.opts.UseConsistencyHints {
		persisted, err := s.files.RecentCategoriesForExtension(extension, entry.Type, maxConsistencyHints)
		if err != nil {
			log.Warnf("Failed to load recent categories for %q: %v", extension, err)
		}
		hintBlock = formatHintBlock(history.hintsFor(signature, persisted))
	}
	combinedContext := s.buildCombinedContext(hintBlock)

	raw, err := s.callModelWithRetry(ctx, llm, entry, combinedContext, cb)
	if err != nil {
		msg := fmt.Sprintf("[LLM-ERROR] %s (%v)", entry.Name, err)
		if cb.Progress != nil {
			cb.Progress(msg)
		}
		log.Errorf("LLM error while categorizing %q: %v", entry.Name, err)
		return models.CategorizedFile{}, false
	}

	resolved, reason := s.resolveResponse(raw, entry, cb)
	if resolved.Unresolved() || resolved.Category == "" || resolved.Subcategory == "" {
		return s.handleEmptyResult(entry, dirPath, resolved, reason, cb), false
	}

	s.persistResult(entry, dirPath, resolved, history, signature, cb)

	emitProgress(cb, "AI", entry.Name, resolved, abbreviateUserPath(entry.FullPath))
	return s.finalizedFile(entry, dirPath, resolved), true
}

// tryCachedCategorization resolves a cached record through the taxonomy if
// its labels still validate.
func (s *CategorizationService) tryCachedCategorization(entry models.FileEntry, cb Callbacks) (models.ResolvedCategory, bool) {
	cached, err := s.files.GetCategorization(entry.Name, entry.Type)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Warnf("Cache lookup failed for %q: %v", entry.Name, err)
		}
		return models.ResolvedCategory{}, false
	}

	category := sanitizeLabel(cached.Category)
	subcategory := sanitizeLabel(cached.Subcategory)
	if category == "" || subcategory == "" {
		log.Warnf("Ignoring cached categorization with empty values for %q", entry.Name)
		return models.ResolvedCategory{}, false
	}
	if err := validateLabels(category, subcategory); err != nil {
		log.Warnf("Ignoring cached categorization for %q: %v (cat=%q, sub=%q)",
			entry.Name, err, category, subcategory)
		return models.ResolvedCategory{}, false
	}

	resolved := s.taxonomy.Resolve(category, subcategory)
	if resolved.Unresolved() {
		return models.ResolvedCategory{}, false
	}
	emitProgress(cb, "CACHE", entry.Name, resolved, abbreviateUserPath(entry.FullPath))
	return resolved, true
}

// callModelWithRetry performs the model call, waiting out a single
// rate-limit hit per item. A second rate-limit hit is surfaced as a failure.
func (s *CategorizationService) callModelWithRetry(
	ctx context.Context,
	llm categorizer.FileCategorizer,
	entry models.FileEntry,
	instructions string,
	cb Callbacks,
) (string, error) {
	raw, err := s.callModelWithTimeout(ctx, llm, entry, instructions)
	rl, isRateLimit := models.AsRateLimit(err)
	if !isRateLimit {
		return raw, err
	}

	wait := rl.RetryAfter
	if wait <= 0 {
		wait = defaultRateLimitWait
	}
	log.Warnf("Rate limited while categorizing %q, retrying in %s", entry.Name, wait)
	if !s.waitForRetry(ctx, wait, entry.Name, cb) {
		return "", ctx.Err()
	}
	return s.callModelWithTimeout(ctx, llm, entry, instructions)
}

// waitForRetry sleeps in one-second slices, polling cancellation each slice
// and emitting periodic countdown progress.
func (s *CategorizationService) waitForRetry(ctx context.Context, wait time.Duration, itemName string, cb Callbacks) bool {
	seconds := int((wait + time.Second - 1) / time.Second)
	for remaining := seconds; remaining > 0; remaining-- {
		if ctx.Err() != nil {
			return false
		}
		if cb.Progress != nil && (remaining == seconds || remaining%5 == 0) {
			cb.Progress(fmt.Sprintf("[RATE-LIMIT] %s: retrying in %ds", itemName, remaining))
		}
		s.sleep(time.Second)
	}
	return ctx.Err() == nil
}

// callModelWithTimeout races the model call against the configured timeout.
// On timeout the call is not killed: it keeps running and is drained in the
// background, so resources owned by the call site are never abandoned
// mid-use. Cancellation here is logical.
func (s *CategorizationService) callModelWithTimeout(
	ctx context.Context,
	llm categorizer.FileCategorizer,
	entry models.FileEntry,
	instructions string,
) (string, error) {
	timeout := resolveLLMTimeout(!s.opts.Provider.Remote())

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := llm.CategorizeFile(ctx, entry.Name, abbreviateUserPath(entry.FullPath), entry.Type, instructions)
		done <- outcome{text, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.text, out.err
	case <-timer.C:
		go func() {
			out := <-done
			log.Debugf("Timed-out call for %q eventually finished (err=%v)", entry.Name, out.err)
		}()
		return "", fmt.Errorf("%w after %s", models.ErrTimeout, timeout)
	}
}

// resolveResponse turns raw model text into a resolved category, applying
// whitelist enforcement and label validation. An empty ResolvedCategory with
// a reason means the item needs recategorization.
func (s *CategorizationService) resolveResponse(raw string, entry models.FileEntry, cb Callbacks) (models.ResolvedCategory, string) {
	invalid := models.ResolvedCategory{TaxonomyID: -1}

	if strings.HasPrefix(raw, "UNCERTAIN") {
		if cb.Progress != nil {
			cb.Progress(fmt.Sprintf("[AI-UNCERTAIN] %s (model indicated low confidence)", entry.Name))
		}
		return invalid, "Model indicated low confidence."
	}

	category, subcategory := splitCategorySubcategory(raw)
	if isGenericLabel(category) || isGenericLabel(subcategory) {
		if cb.Progress != nil {
			cb.Progress(fmt.Sprintf("[AI-UNCERTAIN] %s (generic category detected: %q : %q)",
				entry.Name, category, subcategory))
		}
		return invalid, "Model returned a generic category."
	}
	if !s.opts.UseSubcategories {
		subcategory = ""
	}

	resolved := s.taxonomy.Resolve(category, subcategory)

	if s.opts.UseWhitelist {
		if !isAllowed(resolved.Category, s.opts.AllowedCategories) {
			resolved.Category = firstOrBlank(s.opts.AllowedCategories)
		}
		if !isAllowed(resolved.Subcategory, s.opts.AllowedSubcategories) && len(s.opts.AllowedSubcategories) > 0 {
			resolved.Subcategory = firstOrBlank(s.opts.AllowedSubcategories)
		}
	}

	if err := validateLabels(resolved.Category, resolved.Subcategory); err != nil {
		if cb.Progress != nil {
			cb.Progress(fmt.Sprintf("[LLM-ERROR] %s (invalid category/subcategory: %v)", entry.Name, err))
		}
		log.Warnf("Invalid model output for %q: %v (cat=%q, sub=%q)",
			entry.Name, err, resolved.Category, resolved.Subcategory)
		return invalid, fmt.Sprintf("Categorization returned invalid category/subcategory: %v.", err)
	}
	return resolved, ""
}

// handleEmptyResult removes any stale cached record and routes the item to
// the recategorization callback.
func (s *CategorizationService) handleEmptyResult(
	entry models.FileEntry,
	dirPath string,
	resolved models.ResolvedCategory,
	reason string,
	cb Callbacks,
) models.CategorizedFile {
	if reason == "" {
		reason = "Categorization returned no result."
	}
	log.Warnf("%s for %q.", strings.TrimSuffix(reason, "."), entry.Name)

	if err := s.files.RemoveFileCategorization(dirPath, entry.Name, entry.Type); err != nil {
		log.Warnf("Failed to remove stale categorization for %q: %v", entry.Name, err)
	}

	dropped := models.CategorizedFile{
		DirPath:              dirPath,
		FileName:             entry.Name,
		Type:                 entry.Type,
		Category:             resolved.Category,
		Subcategory:          resolved.Subcategory,
		TaxonomyID:           resolved.TaxonomyID,
		UsedConsistencyHints: s.opts.UseConsistencyHints,
	}
	if cb.Recategorize != nil {
		cb.Recategorize(dropped, reason)
	}
	return dropped
}

func (s *CategorizationService) persistResult(
	entry models.FileEntry,
	dirPath string,
	resolved models.ResolvedCategory,
	history sessionHistory,
	signature string,
	cb Callbacks,
) {
	log.Infof("Categorized %q as %q / %q.", entry.Name, resolved.Category, resolved.Subcategory)

	record := s.finalizedFile(entry, dirPath, resolved)
	if err := s.files.UpsertFileCategorization(record); err != nil {
		if cb.Progress != nil {
			cb.Progress(fmt.Sprintf("[CACHE-ERROR] %s (result not persisted: %v)", entry.Name, err))
		}
		log.Errorf("Failed to persist categorization for %q: %v", entry.Name, err)
		return
	}
	if err := s.taxonomy.RefreshFrequency(resolved.TaxonomyID); err != nil {
		log.Warnf("Failed to refresh frequency for taxonomy %d: %v", resolved.TaxonomyID, err)
	}
	history.recordAssignment(signature, models.CategoryPair{
		Category:    resolved.Category,
		Subcategory: resolved.Subcategory,
	})
}

func (s *CategorizationService) finalizedFile(entry models.FileEntry, dirPath string, resolved models.ResolvedCategory) models.CategorizedFile {
	return models.CategorizedFile{
		DirPath:              dirPath,
		FileName:             entry.Name,
		Type:                 entry.Type,
		Category:             resolved.Category,
		Subcategory:          resolved.Subcategory,
		TaxonomyID:           resolved.TaxonomyID,
		UsedConsistencyHints: s.opts.UseConsistencyHints,
	}
}

// buildCombinedContext concatenates the language directive, the whitelist
// block and the hint block with blank-line separators, in that order.
func (s *CategorizationService) buildCombinedContext(hintBlock string) string {
	var blocks []string
	if lang := s.buildLanguageBlock(); lang != "" {
		blocks = append(blocks, lang)
	}
	if s.opts.UseWhitelist {
		if wl := s.buildWhitelistBlock(); wl != "" {
			log.Debugf("Applying category whitelist (%d cats, %d subs)",
				len(s.opts.AllowedCategories), len(s.opts.AllowedSubcategories))
			blocks = append(blocks, wl)
		}
	}
	if hintBlock != "" {
		blocks = append(blocks, hintBlock)
	}
	return strings.Join(blocks, "\n\n")
}

func (s *CategorizationService) buildLanguageBlock() string {
	lang := strings.TrimSpace(s.opts.CategoryLanguage)
	if lang == "" || strings.EqualFold(lang, "english") {
		return ""
	}
	return fmt.Sprintf("Use %s for both the main category and subcategory names. Respond in %s.", lang, lang)
}

func (s *CategorizationService) buildWhitelistBlock() string {
	var b strings.Builder
	if s.opts.UserContext != "" {
		b.WriteString("Context about the files being sorted:\n" + s.opts.UserContext + "\n\n")
	}
	if len(s.opts.AllowedCategories) > 0 {
		b.WriteString("Allowed main categories (pick exactly one label from the numbered list):\n")
		for i, cat := range s.opts.AllowedCategories {
			fmt.Fprintf(&b, "%d) %s\n", i+1, cat)
		}
	}
	if len(s.opts.AllowedSubcategories) > 0 {
		b.WriteString("Allowed subcategories (pick exactly one label from the numbered list):\n")
		for i, sub := range s.opts.AllowedSubcategories {
			fmt.Fprintf(&b, "%d) %s\n", i+1, sub)
		}
	} else {
		b.WriteString("Allowed subcategories: any (pick a specific, relevant subcategory; do not repeat the main category).")
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolveLLMTimeout reads the env override for local/remote calls, keeping
// the built-in default when the value is missing, unparseable or
// non-positive.
func resolveLLMTimeout(isLocal bool) time.Duration {
	timeout := defaultRemoteTimeout
	envName := remoteTimeoutEnv
	if isLocal {
		timeout = defaultLocalTimeout
		envName = localTimeoutEnv
	}

	value := os.Getenv(envName)
	if value == "" {
		return timeout
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warnf("Failed to parse %s=%q: %v", envName, value, err)
		return timeout
	}
	if parsed <= 0 {
		log.Warnf("Ignoring non-positive %s=%q", envName, value)
		return timeout
	}
	return time.Duration(parsed) * time.Second
}

func isAllowed(value string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, item := range allowed {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func firstOrBlank(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	return allowed[0]
}

// emitProgress renders the multi-line status block for one resolved item.
func emitProgress(cb Callbacks, source, itemName string, resolved models.ResolvedCategory, itemPath string) {
	if cb.Progress == nil {
		return
	}
	sub := resolved.Subcategory
	if sub == "" {
		sub = "-"
	}
	if itemPath == "" {
		itemPath = "-"
	}
	cb.Progress(fmt.Sprintf("[%s] %s\n    Category : %s\n    Subcat   : %s\n    Path     : %s",
		source, itemName, resolved.Category, sub, itemPath))
}

// abbreviateUserPath replaces the home directory prefix with "~" for
// display and prompts.
func abbreviateUserPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}
