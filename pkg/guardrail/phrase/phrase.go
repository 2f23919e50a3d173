// Package phrase implements [guardrail.Checker] as a phonetic phrase list.
//
// Transcribed speech rarely spells a phrase the way a rule does, so each rule
// phrase is compared against every same-length window of words in the text.
// A window word matches a rule word when both are equal, or when their Double
// Metaphone codes overlap and their Jaro-Winkler similarity reaches the
// phonetic threshold. A window matches when every word in it matches.
//
// When several rules match, block wins over warn, and earlier rules win among
// equals.
package phrase

import (
	"context"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/livevoice/pkg/guardrail"
)

var _ guardrail.Checker = (*Checker)(nil)

const defaultPhoneticThreshold = 0.85

// Rule is one guarded phrase.
type Rule struct {
	// Phrase is one or more words.
	Phrase string

	// Action is [guardrail.Block] or [guardrail.Warn].
	Action guardrail.Action

	// Message is surfaced in the result. Optional.
	Message string

	// Directions limits the rule to the listed directions. Empty means both.
	Directions []guardrail.Direction
}

// Option is a functional option for configuring a [Checker].
type Option func(*Checker)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for two
// phonetically equal words to count as the same word. Default: 0.85.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Checker) { c.threshold = threshold }
}

type word struct {
	text  string
	codes [2]string
}

type compiledRule struct {
	Rule
	words []word
}

// Checker is a phonetic phrase guardrail. It is read-only after construction
// and safe for concurrent use.
type Checker struct {
	rules     []compiledRule
	threshold float64
}

// New compiles rules. Rules with an empty phrase or an action other than
// block or warn are ignored.
func New(rules []Rule, opts ...Option) *Checker {
	c := &Checker{threshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(c)
	}
	for _, r := range rules {
		if r.Action != guardrail.Block && r.Action != guardrail.Warn {
			continue
		}
		words := encode(tokenize(r.Phrase))
		if len(words) == 0 {
			continue
		}
		c.rules = append(c.rules, compiledRule{Rule: r, words: words})
	}
	return c
}

// Check implements [guardrail.Checker].
func (c *Checker) Check(_ context.Context, text string, dir guardrail.Direction) (guardrail.Result, error) {
	words := encode(tokenize(text))
	if len(words) == 0 {
		return guardrail.Result{Action: guardrail.Allow}, nil
	}

	var warn *compiledRule
	for i := range c.rules {
		r := &c.rules[i]
		if !r.applies(dir) || !c.contains(words, r.words) {
			continue
		}
		if r.Action == guardrail.Block {
			return r.result(), nil
		}
		if warn == nil {
			warn = r
		}
	}
	if warn != nil {
		return warn.result(), nil
	}
	return guardrail.Result{Action: guardrail.Allow}, nil
}

func (r *compiledRule) applies(dir guardrail.Direction) bool {
	if len(r.Directions) == 0 {
		return true
	}
	for _, d := range r.Directions {
		if d == dir {
			return true
		}
	}
	return false
}

func (r *compiledRule) result() guardrail.Result {
	msg := r.Message
	if msg == "" && r.Action == guardrail.Block {
		msg = guardrail.DefaultBlockMessage
	}
	return guardrail.Result{Action: r.Action, Message: msg, Rule: r.Phrase}
}

// contains reports whether any window of text matches phrase.
func (c *Checker) contains(text, phrase []word) bool {
	for start := 0; start+len(phrase) <= len(text); start++ {
		matched := true
		for j, pw := range phrase {
			if !c.same(text[start+j], pw) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func (c *Checker) same(a, b word) bool {
	if a.text == b.text {
		return true
	}
	if !codesOverlap(a.codes, b.codes) {
		return false
	}
	return matchr.JaroWinkler(a.text, b.text, false) >= c.threshold
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func encode(tokens []string) []word {
	out := make([]word, 0, len(tokens))
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		out = append(out, word{text: t, codes: [2]string{p, s}})
	}
	return out
}

// codesOverlap reports whether two Double Metaphone code pairs share a
// non-empty code.
func codesOverlap(a, b [2]string) bool {
	for _, x := range a {
		if x == "" {
			continue
		}
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
