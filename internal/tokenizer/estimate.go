// Package tokenizer estimates the billable units a text will consume before
// the model reports its real usage.
package tokenizer

import "unicode"

// charsPerUnit approximates how many Latin-script characters make up one
// model token.
const charsPerUnit = 4

// EstimateUnits returns a conservative unit estimate for text. Han, Hangul,
// Hiragana and Katakana runes count one unit each; everything else is counted
// in blocks of charsPerUnit, rounded up.
func EstimateUnits(text string) int64 {
	var (
		wide   int64
		narrow int64
	)
	for _, r := range text {
		if isWide(r) {
			wide++
			continue
		}
		narrow++
	}
	if wide == 0 && narrow == 0 {
		return 0
	}

	return wide + (narrow+charsPerUnit-1)/charsPerUnit
}

func isWide(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana)
}
