package transcript

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

const defaultMaxHintTerms = 100

// BoosterOption is a functional option for [Booster].
type BoosterOption func(*Booster)

// WithMaxHintTerms bounds the number of terms returned by [Booster.Hints].
// Default: 100.
func WithMaxHintTerms(n int) BoosterOption {
	return func(b *Booster) { b.maxTerms = n }
}

// Booster holds the vocabulary recognition is biased toward. Backends that
// support biasing receive the terms as [asr.Hints]; others ignore them.
//
// Booster is safe for concurrent use.
type Booster struct {
	mu       sync.RWMutex
	terms    []asr.VocabularyTerm
	maxTerms int
}

// NewBooster creates a Booster holding terms.
func NewBooster(terms []asr.VocabularyTerm, opts ...BoosterOption) *Booster {
	b := &Booster{maxTerms: defaultMaxHintTerms}
	for _, o := range opts {
		o(b)
	}
	b.SetTerms(terms)
	return b
}

// SetTerms replaces the vocabulary. Terms are trimmed, empty ones dropped
// and case-insensitive duplicates merged keeping the higher weight. The
// stored order is by descending weight, ties in input order.
func (b *Booster) SetTerms(terms []asr.VocabularyTerm) {
	seen := make(map[string]int, len(terms))
	var out []asr.VocabularyTerm
	for _, t := range terms {
		t.Text = strings.TrimSpace(t.Text)
		if t.Text == "" {
			continue
		}
		key := strings.ToLower(t.Text)
		if i, ok := seen[key]; ok {
			out[i].Aliases = append(out[i].Aliases, t.Aliases...)
			out[i].Weight = max(out[i].Weight, t.Weight)
			continue
		}
		t.Aliases = slices.Clone(t.Aliases)
		seen[key] = len(out)
		out = append(out, t)
	}
	slices.SortStableFunc(out, func(a, b asr.VocabularyTerm) int {
		return cmp.Compare(b.Weight, a.Weight)
	})

	b.mu.Lock()
	b.terms = out
	b.mu.Unlock()
}

// SetMaxHintTerms changes the bound applied by [Booster.Hints]. Zero or less
// disables the bound.
func (b *Booster) SetMaxHintTerms(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxTerms = n
}

// Terms returns a copy of the normalised vocabulary.
func (b *Booster) Terms() []asr.VocabularyTerm {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.terms)
}

// Texts returns the canonical spelling of every term.
func (b *Booster) Texts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.terms))
	for i, t := range b.terms {
		out[i] = t.Text
	}
	return out
}

// Hints returns recognition hints for one transcription: at most maxTerms
// terms, highest weight first, and the language to recognise.
func (b *Booster) Hints(language string) asr.Hints {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.terms)
	if b.maxTerms > 0 {
		n = min(n, b.maxTerms)
	}
	return asr.Hints{
		Vocabulary: slices.Clone(b.terms[:n]),
		Language:   language,
	}
}

// Prompt renders the vocabulary as a glossary of at most maxChars
// characters.
func (b *Booster) Prompt(maxChars int) string {
	return asr.GlossaryPrompt(b.Terms(), maxChars)
}

// MergeAliases folds vocabulary aliases into the dictionary: every alias
// becomes a trigger that rewrites to the term's text. Explicit entries win
// when an alias equals one of their triggers, because the dictionary keeps
// the first definition of a trigger and explicit entries come first.
func MergeAliases(entries []DictionaryEntry, terms []asr.VocabularyTerm) []DictionaryEntry {
	out := slices.Clone(entries)
	for _, t := range terms {
		text := strings.TrimSpace(t.Text)
		if text == "" || len(t.Aliases) == 0 {
			continue
		}
		var triggers []string
		for _, a := range t.Aliases {
			// An alias equal to the term would rewrite the term to itself.
			if normalizeTrigger(a) == "" || strings.EqualFold(strings.TrimSpace(a), text) {
				continue
			}
			triggers = append(triggers, a)
		}
		if len(triggers) > 0 {
			out = append(out, DictionaryEntry{Triggers: triggers, Replacement: text})
		}
	}
	return out
}
