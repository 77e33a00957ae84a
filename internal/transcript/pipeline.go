// Package transcript shapes raw recognition output before it is refined or
// delivered.
//
// Speech models regularly mishear product names, jargon and proper nouns.
// Two mechanisms counter that:
//
//  1. Vocabulary boosting ([Booster]): weighted terms are handed to backends
//     that support recognition biasing as hints, before recognition.
//
//  2. Dictionary correction ([Dictionary]): a deterministic, case-insensitive,
//     longest-match-first rewrite of known mis-hearings, after recognition.
//     It runs on every backend's output. Vocabulary aliases are folded into
//     the dictionary, see [MergeAliases].
//
// An optional phonetic pass ([PhoneticMatcher]) snaps remaining n-grams that
// sound like a vocabulary term onto that term.
//
// Each [Correction] records which stage produced a substitution so callers
// can audit or display changes.
package transcript

import "context"

// Correction captures a single substitution made by the pipeline.
type Correction struct {
	// Original is the span as it appeared in the input.
	Original string `json:"original"`

	// Corrected is the replacement.
	Corrected string `json:"corrected"`

	// Confidence of the substitution (0.0–1.0). Dictionary rewrites are
	// always 1.
	Confidence float64 `json:"confidence"`

	// Method is the stage that produced the substitution: "dictionary" or
	// "phonetic".
	Method string `json:"method"`
}

// Result is the output of [Pipeline.Correct].
type Result struct {
	// Original is the raw transcript text.
	Original string `json:"original"`

	// Corrected is the text with all substitutions applied.
	Corrected string `json:"corrected"`

	// Corrections is the ordered list of substitutions. An empty (non-nil)
	// slice means nothing was changed.
	Corrections []Correction `json:"corrections"`
}

// Corrector rewrites a transcript. [*Pipeline] implements it.
//
// Implementations must be safe for concurrent use.
type Corrector interface {
	Correct(ctx context.Context, text string) (Result, error)
}

// PhoneticMatcher resolves a word or phrase to a known vocabulary term based
// on pronunciation similarity. It must be fast: no network calls.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the term from terms that is most phonetically
	// similar to word.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0.
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}
