package services

import (
	"fmt"
	"strings"
	"unicode"
)

const maxLabelLength = 80

var forbiddenLabelChars = `<>:"/\|?*`

var reservedDeviceNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// sanitizeLabel makes model output safe to use as a path component: control
// characters are dropped, path-hostile characters become spaces, whitespace
// runs collapse, and trailing dots/spaces are stripped.
func sanitizeLabel(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	prevSpace := false
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if strings.ContainsRune(forbiddenLabelChars, r) {
			r = ' '
		}
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.TrimRight(strings.TrimSpace(b.String()), ". ")
}

// splitCategorySubcategory parses the model's raw reply. " : " is the
// canonical delimiter; looser colon variants are accepted because model
// formatting drifts. Without any delimiter the whole text is the category.
func splitCategorySubcategory(raw string) (string, string) {
	for _, delim := range []string{" : ", ": ", " :", ":"} {
		if pos := strings.Index(raw, delim); pos >= 0 {
			return sanitizeLabel(raw[:pos]), sanitizeLabel(raw[pos+len(delim):])
		}
	}
	return sanitizeLabel(raw), ""
}

// validateLabels applies the acceptance rules for resolved labels. A nil
// return means both labels are usable as path components.
func validateLabels(category, subcategory string) error {
	if category == "" || subcategory == "" {
		return fmt.Errorf("category or subcategory is empty")
	}
	if len(category) > maxLabelLength || len(subcategory) > maxLabelLength {
		return fmt.Errorf("category or subcategory exceeds max length")
	}
	if !containsOnlyAllowedChars(category) || !containsOnlyAllowedChars(subcategory) {
		return fmt.Errorf("category or subcategory contains disallowed characters")
	}
	if looksLikeExtensionLabel(category) || looksLikeExtensionLabel(subcategory) {
		return fmt.Errorf("category or subcategory looks like a file extension")
	}
	if isReservedDeviceName(category) || isReservedDeviceName(subcategory) {
		return fmt.Errorf("category or subcategory is a reserved name")
	}
	if hasEdgeWhitespace(category) || hasEdgeWhitespace(subcategory) {
		return fmt.Errorf("category or subcategory has leading/trailing whitespace")
	}
	if strings.EqualFold(category, subcategory) {
		return fmt.Errorf("category and subcategory are identical")
	}
	return nil
}

func containsOnlyAllowedChars(value string) bool {
	for _, r := range value {
		if unicode.IsControl(r) {
			return false
		}
		if strings.ContainsRune(forbiddenLabelChars, r) {
			return false
		}
	}
	return true
}

func hasEdgeWhitespace(value string) bool {
	return value != strings.TrimSpace(value)
}

func isReservedDeviceName(value string) bool {
	_, ok := reservedDeviceNames[strings.ToLower(value)]
	return ok
}

// looksLikeExtensionLabel rejects labels like "Backup.zip": a trailing dot
// followed by 1-5 alphabetic characters.
func looksLikeExtensionLabel(value string) bool {
	dot := strings.LastIndexByte(value, '.')
	if dot < 0 || dot == len(value)-1 {
		return false
	}
	ext := value[dot+1:]
	if len(ext) > 5 {
		return false
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// isGenericLabel flags the catch-all answers that mean the model punted;
// these get routed back for recategorization instead of being persisted.
func isGenericLabel(value string) bool {
	switch strings.ToLower(value) {
	case "uncategorized", "miscellaneous", "other", "unknown":
		return true
	}
	return false
}
