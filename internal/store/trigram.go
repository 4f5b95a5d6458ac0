package store

import "strings"

// trigramSimilarity computes Dice's coefficient over the padded trigram
// sets of a and b, mirroring pg_trgm's behavior closely enough for
// typo-tolerant tag matching. Strings are lowercased and padded with two
// leading and one trailing space, as pg_trgm does.
func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

func trigrams(s string) map[string]struct{} {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	padded := "  " + s + " "
	out := make(map[string]struct{}, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		out[padded[i:i+3]] = struct{}{}
	}
	return out
}
