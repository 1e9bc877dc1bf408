package storage

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultFilename replaces names that sanitize to nothing.
const DefaultFilename = "file"

const maxFilenameLen = 255

var windowsReserved = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {}, "com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {}, "lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// SanitizeFilename turns a client-supplied name into a safe single path element.
// Directory components, reserved characters, control characters and
// combining marks are dropped; leading and trailing dots and spaces are trimmed.
func SanitizeFilename(name string) string {
	// Normalize Windows-style backslashes before taking the base name.
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	if normalized, _, err := transform.String(t, name); err == nil {
		name = normalized
	}

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")

	if name == "" {
		return DefaultFilename
	}

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if _, bad := windowsReserved[strings.ToLower(base)]; bad {
		base = "_" + base
	}

	// Limit length, keeping the extension when possible.
	if len(ext) >= maxFilenameLen {
		ext = ""
	}
	for len(base)+len(ext) > maxFilenameLen {
		_, size := utf8.DecodeLastRuneInString(base)
		if size == 0 {
			break
		}
		base = base[:len(base)-size]
	}
	if base == "" {
		base = DefaultFilename
	}

	return base + ext
}

// isSafeStoredName rejects anything that is not a single, plain path element.
func isSafeStoredName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return false
	}
	return true
}

func isMn(r rune) bool { return unicode.Is(unicode.Mn, r) }
