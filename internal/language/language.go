// Package language holds the supported language set and the translation
// instructions handed to providers.
package language

import "strings"

// Auto is the source sentinel asking the provider to detect the spoken language.
const Auto = "auto"

// Supported lists the two-letter codes accepted as source or target.
var Supported = []string{"de", "es", "en", "fr", "it"}

var names = map[string]string{
	"de": "German",
	"es": "Spanish",
	"en": "English",
	"fr": "French",
	"it": "Italian",
}

var bcp47 = map[string]string{
	"de": "de-DE",
	"es": "es-ES",
	"en": "en-US",
	"fr": "fr-FR",
	"it": "it-IT",
}

var aliases = map[string]string{
	"german": "de", "deu": "de", "ger": "de",
	"spanish": "es", "spa": "es",
	"english": "en", "eng": "en",
	"french": "fr", "fra": "fr", "fre": "fr",
	"italian": "it", "ita": "it",
}

// Normalize lowercases code and maps aliases ("german", "deu", "de-DE") to the
// two-letter code. Unknown codes are returned lowercased and trimmed.
func Normalize(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == Auto {
		return c
	}
	if a, ok := aliases[c]; ok {
		return a
	}
	if i := strings.IndexAny(c, "-_"); i > 0 {
		if _, ok := names[c[:i]]; ok {
			return c[:i]
		}
	}
	return c
}

// IsSupported reports whether code (after normalization) is a supported language.
func IsSupported(code string) bool {
	_, ok := names[Normalize(code)]
	return ok
}

// ValidSource accepts any supported language or Auto.
func ValidSource(code string) bool {
	return Normalize(code) == Auto || IsSupported(code)
}

// ValidTarget accepts supported languages only.
func ValidTarget(code string) bool {
	return IsSupported(code)
}

// Name returns the English name, or "" for unknown codes and Auto.
func Name(code string) string {
	return names[Normalize(code)]
}

// BCP47 returns the provider locale for code, e.g. "it" -> "it-IT".
func BCP47(code string) string {
	return bcp47[Normalize(code)]
}

// Names returns a copy of the code -> name table.
func Names() map[string]string {
	out := make(map[string]string, len(names))
	for k, v := range names {
		out[k] = v
	}
	return out
}
