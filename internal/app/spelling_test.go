package app

import "testing"

func TestCorrectSpelling(t *testing.T) {
	cases := map[string]string{
		"teh cat":               "the cat",
		"Teh cat":               "The cat",
		"TEH CAT":               "THE CAT",
		"i recieve, you dont.":  "i receive, you don't.",
		"(wierd)":               "(weird)",
		"im here":               "I'm here",
		"alot  of\tspace":       "a lot  of\tspace",
		"nothing to fix":        "nothing to fix",
		"definately!!!":         "definitely!!!",
		"":                      "",
		"   ":                   "   ",
		"tehran is a city":      "tehran is a city",
		"thier freind's house.": "their freind's house.",
	}
	for in, want := range cases {
		if got := CorrectSpelling(in); got != want {
			t.Errorf("CorrectSpelling(%q) = %q, want %q", in, got, want)
		}
	}
}
