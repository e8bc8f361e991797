// Package langindex implements the Capability/Language Index (C3): the
// lang -> node reverse indexes, the NMT capability lookup, and the single
// normalization table shared by the index, the pool matcher, and the job
// creator (spec §9 design note).
package langindex

import "strings"

// AutoSentinel is the special "detect source language" value. It is never
// indexed (P8).
const AutoSentinel = "auto"

// legacyAliases maps legacy or regional codes to their canonical form.
// This table is the single source of truth referenced by spec §4.3 and
// §9; property tests pin these exact mappings.
var legacyAliases = map[string]string{
	"zh-cn":   "zh",
	"zh-tw":   "zh",
	"zh-hans": "zh",
	"zh-hant": "zh",
	"en-us":   "en",
	"en-gb":   "en",
	"in":      "id",
	"iw":      "he",
	"pt-br":   "pt",
	"pt-pt":   "pt",
}

// Normalize lowercases lang and applies the legacy/regional alias table.
// Callers must check IsAuto separately before indexing — Normalize does
// not special-case the sentinel beyond lowercasing it.
func Normalize(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := legacyAliases[l]; ok {
		return alias
	}
	return l
}

// IsAuto reports whether lang (already lowercased, or not) denotes the
// auto-detect sentinel.
func IsAuto(lang string) bool {
	return strings.ToLower(strings.TrimSpace(lang)) == AutoSentinel
}
