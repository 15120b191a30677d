// Package extraction pulls event timestamps out of the keylogger text and
// the sandbox call trace.
package extraction

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedToken means a bracketed keylogger token is not a number.
var ErrMalformedToken = errors.New("malformed bracket token")

var (
	firstNumberPattern = regexp.MustCompile(`[-+]?\d*\.\d+|\d+`)
	bracketPattern     = regexp.MustCompile(`\[([^\]]*)\]`)
)

// Token is one bracketed group of the keylogger capture.
type Token struct {
	Value  float64
	Raw    string
	Offset int  // byte offset of '[' in the text
	Tagged bool // the class tag follows the closing bracket
}

// FirstNumber returns the first number found anywhere in text. The keylogger
// capture uses it as its own time origin.
func FirstNumber(text string) (float64, bool) {
	m := firstNumberPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Tokenize parses every [<content>] group of text once. A group directly
// followed by classTag is tagged. Content that is not a finite number
// aborts the whole pass.
func Tokenize(text, classTag string) ([]Token, error) {
	matches := bracketPattern.FindAllStringSubmatchIndex(text, -1)
	tokens := make([]Token, 0, len(matches))

	for _, m := range matches {
		raw := text[m[2]:m[3]]
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %q at offset %d", ErrMalformedToken, raw, m[0])
		}
		tokens = append(tokens, Token{
			Value:  v,
			Raw:    raw,
			Offset: m[0],
			Tagged: classTag != "" && strings.HasPrefix(text[m[1]:], classTag),
		})
	}

	return tokens, nil
}

// ClassifiedNumbers returns the values of the groups tagged with classTag,
// in order of appearance.
func ClassifiedNumbers(text, classTag string) ([]float64, error) {
	tokens, err := Tokenize(text, classTag)
	if err != nil {
		return nil, err
	}
	return tagged(tokens), nil
}

// UnclassedNumbers returns the values of all bracket groups minus every value
// that also occurs among the classTag-tagged groups.
//
// The exclusion is by value: an untagged event whose time collides with a
// tagged one is dropped as well.
func UnclassedNumbers(text, classTag string) ([]float64, error) {
	tokens, err := Tokenize(text, classTag)
	if err != nil {
		return nil, err
	}
	return unclassed(tokens), nil
}

// Split classifies one token pass into the tagged and unclassed series.
func Split(tokens []Token) (classed, unclassedValues []float64) {
	return tagged(tokens), unclassed(tokens)
}

func tagged(tokens []Token) []float64 {
	out := make([]float64, 0, len(tokens))
	for _, t := range tokens {
		if t.Tagged {
			out = append(out, t.Value)
		}
	}
	return out
}

func unclassed(tokens []Token) []float64 {
	exclude := make(map[float64]struct{})
	for _, t := range tokens {
		if t.Tagged {
			exclude[t.Value] = struct{}{}
		}
	}

	out := make([]float64, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := exclude[t.Value]; ok {
			continue
		}
		out = append(out, t.Value)
	}
	return out
}
