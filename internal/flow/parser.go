package flow

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// minKeywordRunes is the shortest token kept as a keyword, exclusive.
const minKeywordRunes = 2

var digitsOnly = regexp.MustCompile(`^\d+$`)

// ParsedInput is the structured form of one inbound chat message.
type ParsedInput struct {
	Raw        string
	Normalized string
	IsNumber   bool
	Number     int
	IsCommand  bool
	Command    string
	Args       []string
	Keywords   []string
}

// normalizeText folds text into the form every matcher compares against.
func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// Parse converts raw message text into a ParsedInput. It never fails.
func Parse(raw string) ParsedInput {
	p := ParsedInput{Raw: raw, Normalized: normalizeText(raw)}
	if p.Normalized == "" {
		return p
	}

	if digitsOnly.MatchString(p.Normalized) {
		if n, err := strconv.Atoi(p.Normalized); err == nil {
			p.IsNumber = true
			p.Number = n
		}
	}

	if strings.HasPrefix(p.Normalized, "/") || strings.HasPrefix(p.Normalized, "!") {
		p.IsCommand = true
		fields := strings.Fields(p.Normalized[1:])
		if len(fields) > 0 {
			p.Command = fields[0]
			p.Args = fields[1:]
		}
	}

	for _, tok := range strings.Fields(p.Normalized) {
		kw := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, tok)
		if utf8.RuneCountInString(kw) > minKeywordRunes {
			p.Keywords = append(p.Keywords, kw)
		}
	}
	return p
}
