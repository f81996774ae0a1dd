package dedupe

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are stripped from company names before comparison.
var legalSuffixes = []string{
	" llc", " l.l.c.", " l.l.c",
	" inc", " inc.", " incorporated",
	" corp", " corp.", " corporation",
	" ltd", " ltd.", " limited",
	" lp", " l.p.", " l.p",
	" llp", " l.l.p.", " l.l.p",
	" pc", " p.c.", " p.c",
	" co", " co.",
	" plc", " gmbh", " ag", " sa", " bv",
	" pllc",
}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	folder       = cases.Fold()
)

// foldText lowercases s and strips diacritics, so "José" and "jose" compare equal.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return folder.String(out)
}

// NormalizePersonName folds a name for comparison: diacritics removed,
// case folded, punctuation dropped and whitespace collapsed.
func NormalizePersonName(name string) string {
	name = foldText(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r), r == '-':
			return ' '
		}
		return -1
	}, name)
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(name, " "))
}

// NormalizeCompany folds a company name and removes one trailing legal suffix.
func NormalizeCompany(name string) string {
	name = foldText(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", " and ",
		"-", " ",
	).Replace(name)
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(name, " "))
}

// NormalizeEmail lowercases an address and drops a "+tag" from the local part.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	local, domain := email[:at], email[at+1:]
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// NormalizePhone keeps digits only and drops a leading North American
// country code.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// wordSimilarity is the Jaccard similarity of the word sets of a and b.
func wordSimilarity(a, b string) float64 {
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}
