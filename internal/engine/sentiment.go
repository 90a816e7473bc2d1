package engine

import "strings"

// Lexicon maps keywords to signed integer weights. Positive weights push the
// fair-probability estimate up, negative weights push it down. Stronger
// indicator terms carry larger weights than weaker ones.
type Lexicon map[string]int

// DefaultLexicon returns the built-in keyword table. Operators can replace it
// wholesale through config; scoring itself never special-cases any term.
func DefaultLexicon() Lexicon {
	lex := Lexicon{}
	add := func(weight int, words ...string) {
		for _, w := range words {
			lex[w] = weight
		}
	}
	add(4, "championship", "finals", "victory", "win", "succeed", "qualify", "advance")
	add(2, "likely", "expected", "probable", "increase", "rise", "achieve", "lead")
	add(-4, "fail", "lose", "reject", "crash", "eliminated", "defeat", "relegated")
	add(-2, "unlikely", "decrease", "fall", "miss", "struggle", "behind")
	return lex
}

// Score computes the weighted sentiment of a market question: the sum of
// weights for every lexicon term contained in the lowercased text. Each term
// counts at most once regardless of repetition, matching substring semantics
// rather than word boundaries.
func (l Lexicon) Score(text string) int {
	if len(l) == 0 || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0
	for word, weight := range l {
		if strings.Contains(lower, word) {
			score += weight
		}
	}
	return score
}
