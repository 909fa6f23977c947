package extractor

import (
	"regexp"
	"strings"
	"unicode"
)

// Title shapes seen in practice:
//
//	Meeting with Jane Doe - Acme Corp - 2024-01-15
//	Jane Doe (Acme Corp) - Meeting Notes
//	Acme Corp - Jane Doe - Founder Meeting
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:meeting with|call with)?\s*([A-Za-z\s]+?)\s*[-–]\s*([A-Za-z\s&,.']+?)\s*[-–]`),
	regexp.MustCompile(`(?i)([A-Za-z\s]+?)\s*\(([A-Za-z\s&,.']+?)\)`),
	regexp.MustCompile(`(?i)([A-Za-z\s&,.']+?)\s*[-–]\s*([A-Za-z\s]+?)\s*[-–]`),
}

var personExclusions = map[string]bool{
	"corp": true, "inc": true, "llc": true, "ltd": true, "company": true, "co": true,
	"technologies": true, "tech": true, "labs": true, "ai": true, "software": true,
}

var companyIndicators = map[string]bool{
	"corp": true, "inc": true, "llc": true, "ltd": true, "company": true, "co": true,
	"technologies": true, "tech": true, "labs": true, "ai": true, "software": true,
	"systems": true, "solutions": true,
}

// titleHints guesses founder and company from a document title. Either result
// may be empty.
func titleHints(title string) (founder, company string) {
	for _, re := range titlePatterns {
		m := re.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		first := strings.TrimSpace(m[1])
		first = strings.TrimSpace(trimPrefixFold(first, "meeting with"))
		first = strings.TrimSpace(trimPrefixFold(first, "call with"))
		second := strings.TrimSpace(m[2])

		switch {
		case looksLikePerson(first) && looksLikeCompany(second):
			return first, second
		case looksLikePerson(second) && looksLikeCompany(first):
			return second, first
		}
	}
	return "", ""
}

func looksLikePerson(s string) bool {
	words := strings.Fields(s)
	if len(words) < 1 || len(words) > 4 {
		return false
	}
	for _, w := range words {
		if !startsUpper(w) || personExclusions[normWord(w)] {
			return false
		}
	}
	return true
}

func looksLikeCompany(s string) bool {
	words := strings.Fields(s)
	if len(words) == 0 {
		return false
	}
	proper := true
	for _, w := range words {
		if companyIndicators[normWord(w)] {
			return true
		}
		if !startsUpper(w) {
			proper = false
		}
	}
	return proper && !looksLikePerson(s)
}

func startsUpper(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}

func normWord(w string) string {
	return strings.ToLower(strings.Trim(w, ".,&'"))
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):]
	}
	return s
}
