package transcript

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// DictionaryEntry rewrites any of its trigger phrases to Replacement.
type DictionaryEntry struct {
	// Triggers are the phrases to replace. Matching is case-insensitive and
	// any run of whitespace in the input matches a single space here.
	Triggers []string `yaml:"triggers" json:"triggers"`

	// Replacement is inserted verbatim in place of the matched span.
	Replacement string `yaml:"replacement" json:"replacement"`
}

// Dictionary applies [DictionaryEntry] rewrites in a single left-to-right
// scan. On overlapping candidates the longest trigger wins. A trigger only
// matches on word boundaries, so "cat" does not fire inside "concatenate".
//
// The matcher is compiled when entries are set and on [Dictionary.Invalidate],
// never per call. Dictionary is safe for concurrent use.
type Dictionary struct {
	mu      sync.Mutex // serialises compilation
	entries []DictionaryEntry
	gen     atomic.Uint64
	matcher atomic.Pointer[trieNode]
}

// NewDictionary compiles entries into a new Dictionary.
func NewDictionary(entries []DictionaryEntry) *Dictionary {
	d := &Dictionary{}
	d.SetEntries(entries)
	return d
}

// SetEntries replaces the entry set and recompiles the matcher.
func (d *Dictionary) SetEntries(entries []DictionaryEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = slices.Clone(entries)
	d.compileLocked()
}

// Invalidate recompiles the matcher from the current entry set.
func (d *Dictionary) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compileLocked()
}

// Entries returns a copy of the current entry set.
func (d *Dictionary) Entries() []DictionaryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.entries)
}

// Generation counts compilations. It changes only when the matcher was
// rebuilt.
func (d *Dictionary) Generation() uint64 { return d.gen.Load() }

func (d *Dictionary) compileLocked() {
	root := &trieNode{}
	n := 0
	for _, e := range d.entries {
		for _, trig := range e.Triggers {
			key := normalizeTrigger(trig)
			if key == "" {
				continue
			}
			node := root
			for _, r := range key {
				node = node.child(r)
			}
			if node.terminal {
				// First definition wins on duplicate triggers.
				continue
			}
			node.terminal = true
			node.replacement = e.Replacement
			n++
		}
	}
	d.matcher.Store(root)
	d.gen.Add(1)
	slog.Debug("dictionary compiled", "triggers", n, "generation", d.gen.Load())
}

// Apply rewrites text and returns the result with one [Correction] per
// substituted span. Text outside matched spans is copied unchanged.
func (d *Dictionary) Apply(text string) (string, []Correction) {
	root := d.matcher.Load()
	if root == nil || len(root.children) == 0 || text == "" {
		return text, nil
	}

	var (
		out         strings.Builder
		corrections []Correction
		copied      int // bytes of text already written to out
	)
	prev := rune(-1)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if end, repl, ok := root.longestMatch(text, i, prev); ok {
			out.WriteString(text[copied:i])
			out.WriteString(repl)
			corrections = append(corrections, Correction{
				Original:   text[i:end],
				Corrected:  repl,
				Confidence: 1,
				Method:     "dictionary",
			})
			copied = end
			prev, _ = utf8.DecodeLastRuneInString(text[:end])
			i = end
			continue
		}
		prev = r
		i += size
	}
	if copied == 0 {
		return text, corrections
	}
	out.WriteString(text[copied:])
	return out.String(), corrections
}

// ─── trie ──────────────────────────────────────────────────────────────────────

type trieNode struct {
	children    map[rune]*trieNode
	terminal    bool
	replacement string
}

func (n *trieNode) child(r rune) *trieNode {
	if n.children == nil {
		n.children = make(map[rune]*trieNode)
	}
	c, ok := n.children[r]
	if !ok {
		c = &trieNode{}
		n.children[r] = c
	}
	return c
}

// longestMatch walks the trie from byte offset start. prev is the rune before
// start, or -1 at the beginning of the text. It returns the end offset of the
// longest trigger that matches on word boundaries.
func (n *trieNode) longestMatch(text string, start int, prev rune) (end int, repl string, ok bool) {
	first, _ := utf8.DecodeRuneInString(text[start:])
	if prev >= 0 && isWordRune(prev) && isWordRune(first) {
		return 0, "", false
	}

	node := n
	last := rune(-1)
	for i := start; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		key := unicode.ToLower(r)
		if unicode.IsSpace(r) {
			key = ' '
			for next < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[next:])
				if !unicode.IsSpace(r2) {
					break
				}
				next += s2
			}
		}
		c, found := node.children[key]
		if !found {
			break
		}
		node, last, i = c, r, next
		if node.terminal && boundaryAfter(text, i, last) {
			end, repl, ok = i, node.replacement, true
		}
	}
	return end, repl, ok
}

func boundaryAfter(text string, i int, last rune) bool {
	if i >= len(text) || !isWordRune(last) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// normalizeTrigger lowercases s, trims it and collapses whitespace runs to a
// single space.
func normalizeTrigger(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
