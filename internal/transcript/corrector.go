package transcript

import (
	"context"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxscribe/internal/transcript/phonetic"
)

// PipelineOption is a functional option for configuring a [Pipeline].
type PipelineOption func(*Pipeline)

// WithPhoneticMatcher enables the phonetic stage. When nil (the default),
// the stage is skipped entirely.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *Pipeline) {
		p.phonetic = m
	}
}

// WithBooster sets the vocabulary the phonetic stage snaps onto.
func WithBooster(b *Booster) PipelineOption {
	return func(p *Pipeline) {
		p.booster = b
	}
}

// Pipeline applies dictionary correction and, optionally, phonetic snapping
// to a transcript. Stages run in order:
//
//  1. [Dictionary]: deterministic rewrites, always.
//  2. [PhoneticMatcher]: n-gram snapping onto vocabulary terms, when enabled
//     and a [Booster] with terms is attached.
//
// Pipeline is safe for concurrent use.
type Pipeline struct {
	dict    *Dictionary
	booster *Booster

	mu       sync.RWMutex
	phonetic PhoneticMatcher
}

// Ensure Pipeline satisfies the Corrector interface at compile time.
var _ Corrector = (*Pipeline)(nil)

// NewPipeline constructs a [Pipeline] around dict. A nil dict behaves like an
// empty one.
func NewPipeline(dict *Dictionary, opts ...PipelineOption) *Pipeline {
	if dict == nil {
		dict = NewDictionary(nil)
	}
	p := &Pipeline{dict: dict}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Dictionary returns the dictionary the pipeline applies.
func (p *Pipeline) Dictionary() *Dictionary { return p.dict }

// SetPhoneticMatcher enables (non-nil) or disables (nil) the phonetic stage
// for subsequent calls.
func (p *Pipeline) SetPhoneticMatcher(m PhoneticMatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phonetic = m
}

// Correct applies the configured stages to text.
func (p *Pipeline) Correct(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result := Result{Original: text, Corrections: []Correction{}}

	working, corrections := p.dict.Apply(text)
	result.Corrections = append(result.Corrections, corrections...)

	p.mu.RLock()
	pm := p.phonetic
	p.mu.RUnlock()
	if pm != nil && p.booster != nil {
		if terms := p.booster.Texts(); len(terms) > 0 {
			var phon []Correction
			working, phon = applyPhonetic(working, pm, terms)
			result.Corrections = append(result.Corrections, phon...)
		}
	}

	result.Corrected = working
	return result, nil
}

// token is a word of the transcript with its surrounding punctuation
// stripped. start and end are byte offsets of the stripped core.
type token struct {
	start, end int
}

// tokenize splits text on whitespace and trims leading and trailing
// punctuation from each field, so that replacing a core keeps commas, quotes
// and the original spacing intact.
func tokenize(text string) []token {
	var toks []token
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}
		start := i
		for i < len(text) {
			r, size = utf8.DecodeRuneInString(text[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}
		core := strings.TrimFunc(text[start:i], isPunct)
		if core == "" {
			continue
		}
		off := start + strings.Index(text[start:i], core)
		toks = append(toks, token{start: off, end: off + len(core)})
	}
	return toks
}

func isPunct(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }

// applyPhonetic snaps n-gram windows onto vocabulary terms. At each token
// position windows are tried from the longest term's word count down to 1
// so multi-word terms take precedence over partial single-word matches.
func applyPhonetic(text string, pm PhoneticMatcher, terms []string) (string, []Correction) {
	toks := tokenize(text)
	if len(toks) == 0 {
		return text, nil
	}

	var (
		matchFn  func(string) (string, float64, bool)
		maxWords int
	)
	if m, ok := pm.(*phonetic.Matcher); ok {
		set := phonetic.Prepare(terms)
		maxWords = set.MaxWords()
		matchFn = func(w string) (string, float64, bool) { return m.MatchPrepared(w, set) }
	} else {
		maxWords = maxWordCount(terms)
		matchFn = func(w string) (string, float64, bool) { return pm.Match(w, terms) }
	}
	if maxWords == 0 {
		return text, nil
	}

	var (
		out         strings.Builder
		corrections []Correction
		copied      int
	)
	for i := 0; i < len(toks); {
		n := min(maxWords, len(toks)-i)
		consumed := 1
		for ; n >= 1; n-- {
			start, end := toks[i].start, toks[i+n-1].end
			span := text[start:end]
			window := windowText(text, toks[i:i+n])
			term, conf, ok := matchFn(window)
			if !ok {
				continue
			}
			consumed = n
			if span == term {
				break
			}
			out.WriteString(text[copied:start])
			out.WriteString(term)
			copied = end
			corrections = append(corrections, Correction{
				Original:   span,
				Corrected:  term,
				Confidence: conf,
				Method:     "phonetic",
			})
			break
		}
		i += consumed
	}
	if len(corrections) == 0 {
		return text, nil
	}
	out.WriteString(text[copied:])
	return out.String(), corrections
}

// windowText joins the token cores of a window with single spaces.
func windowText(text string, toks []token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = text[t.start:t.end]
	}
	return strings.Join(parts, " ")
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any term. Returns 1 when terms is empty.
func maxWordCount(terms []string) int {
	n := 1
	for _, t := range terms {
		n = max(n, len(strings.Fields(t)))
	}
	return n
}
