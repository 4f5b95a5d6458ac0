// Package tokens provides token counting for working-memory budgets.
// The default counter is a chars-per-token heuristic calibrated for
// GPT-family BPE tokenizers (~4 characters per token); hosts that need
// exact counts inject their own CounterFunc through the configuration.
package tokens

import "unicode/utf8"

// CounterFunc counts tokens in a text.
type CounterFunc func(text string) int

// charsPerToken is the calibration factor for the heuristic counter.
const charsPerToken = 4.0

// Count estimates tokens in a string using the default heuristic.
func Count(s string) int {
	if s == "" {
		return 0
	}
	n := int(float64(utf8.RuneCountInString(s)) / charsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}

// Default returns the heuristic counter.
func Default() CounterFunc {
	return Count
}
