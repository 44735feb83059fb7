package app

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonTypos is the fixed correction dictionary, keyed by lowercase token.
var commonTypos = map[string]string{
	"teh":         "the",
	"hte":         "the",
	"adn":         "and",
	"recieve":     "receive",
	"recieved":    "received",
	"definately":  "definitely",
	"seperate":    "separate",
	"occured":     "occurred",
	"occurence":   "occurrence",
	"wich":        "which",
	"becuase":     "because",
	"beacuse":     "because",
	"thier":       "their",
	"untill":      "until",
	"alot":        "a lot",
	"dont":        "don't",
	"cant":        "can't",
	"wont":        "won't",
	"doesnt":      "doesn't",
	"isnt":        "isn't",
	"didnt":       "didn't",
	"shouldnt":    "shouldn't",
	"wouldnt":     "wouldn't",
	"couldnt":     "couldn't",
	"thats":       "that's",
	"whats":       "what's",
	"youre":       "you're",
	"im":          "I'm",
	"ive":         "I've",
	"goverment":   "government",
	"enviroment":  "environment",
	"accomodate":  "accommodate",
	"acheive":     "achieve",
	"begining":    "beginning",
	"beleive":     "believe",
	"calender":    "calendar",
	"concious":    "conscious",
	"existance":   "existence",
	"freind":      "friend",
	"grammer":     "grammar",
	"independant": "independent",
	"neccessary":  "necessary",
	"occassion":   "occasion",
	"publically":  "publicly",
	"questionare": "questionnaire",
	"tommorow":    "tomorrow",
	"truely":      "truly",
	"wierd":       "weird",
}

// CorrectSpelling replaces known typos token by token. Whitespace and the
// punctuation around a token are kept, and the token's case shape is applied
// to the replacement.
func CorrectSpelling(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				b.WriteString(correctToken(text[start:i]))
				start = -1
			}
			b.WriteRune(r)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		b.WriteString(correctToken(text[start:]))
	}
	return b.String()
}

func correctToken(token string) string {
	lead := strings.IndexFunc(token, unicode.IsLetter)
	if lead < 0 {
		return token
	}
	trail := strings.LastIndexFunc(token, unicode.IsLetter)
	_, size := utf8.DecodeRuneInString(token[trail:])
	end := trail + size
	word := token[lead:end]

	fix, ok := commonTypos[strings.ToLower(word)]
	if !ok {
		return token
	}
	return token[:lead] + matchCase(word, fix) + token[end:]
}

func matchCase(original, fix string) string {
	switch {
	case isUpper(original) && len([]rune(original)) > 1:
		return strings.ToUpper(fix)
	case unicode.IsUpper([]rune(original)[0]):
		runes := []rune(fix)
		runes[0] = unicode.ToUpper(runes[0])
		return string(runes)
	default:
		return fix
	}
}

func isUpper(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}
