package engine

import "testing"

func TestLexiconScore(t *testing.T) {
	lex := DefaultLexicon()

	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"neutral", "Will the measure pass before July?", 0},
		{"strong positive", "Will the team win the championship?", 8},
		{"strong negative", "Will the project fail or crash this quarter?", -8},
		{"mixed", "Likely to win but could struggle late", 4},
		{"case insensitive", "WIN THE FINALS", 8},
	}
	for _, tc := range cases {
		if got := lex.Score(tc.text); got != tc.want {
			t.Fatalf("%s: Score(%q) = %d, want %d", tc.name, tc.text, got, tc.want)
		}
	}
}

func TestLexiconScoreCountsTermOnce(t *testing.T) {
	lex := DefaultLexicon()
	if got := lex.Score("win win win"); got != 4 {
		t.Fatalf("repeated term scored %d, want 4", got)
	}
}

func TestNilLexicon(t *testing.T) {
	var lex Lexicon
	if got := lex.Score("win"); got != 0 {
		t.Fatalf("nil lexicon scored %d, want 0", got)
	}
}
