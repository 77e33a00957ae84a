package transcript_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

func TestDictionary_Apply(t *testing.T) {
	t.Parallel()

	dict := transcript.NewDictionary([]transcript.DictionaryEntry{
		{Triggers: []string{"fluid boys", "fluid voice"}, Replacement: "FluidVoice"},
		{Triggers: []string{"new york"}, Replacement: "NYC"},
		{Triggers: []string{"new york city"}, Replacement: "New York City"},
		{Triggers: []string{"cat"}, Replacement: "Cat"},
		{Triggers: []string{"e.g."}, Replacement: "for example"},
		{Triggers: []string{"  Go  Lang "}, Replacement: "Go"},
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "alias phrase", in: "try fluid boys today", want: "try FluidVoice today"},
		{name: "case insensitive", in: "FLUID Voice rocks", want: "FluidVoice rocks"},
		{name: "longest match wins", in: "I love new york city.", want: "I love New York City."},
		{name: "shorter match when longer fails", in: "new york cities", want: "NYC cities"},
		{name: "word boundary start", in: "concatenate", want: "concatenate"},
		{name: "word boundary end", in: "cats and a cat", want: "cats and a Cat"},
		{name: "punctuation preserved", in: "(fluid voice), fluid boys!", want: "(FluidVoice), FluidVoice!"},
		{name: "whitespace run matches single space", in: "fluid \t voice", want: "FluidVoice"},
		{name: "trigger normalised", in: "golang? go lang!", want: "golang? Go!"},
		{name: "punctuation trigger", in: "tools e.g. hammers", want: "tools for example hammers"},
		{name: "unicode neighbours", in: "écat cat", want: "écat Cat"},
		{name: "no match", in: "nothing to see", want: "nothing to see"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := dict.Apply(tt.in)
			if got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDictionary_Corrections(t *testing.T) {
	t.Parallel()

	dict := transcript.NewDictionary([]transcript.DictionaryEntry{
		{Triggers: []string{"fluid boys"}, Replacement: "FluidVoice"},
	})
	_, corr := dict.Apply("Fluid  Boys and fluid boys")
	if len(corr) != 2 {
		t.Fatalf("corrections = %+v, want 2", corr)
	}
	if corr[0].Original != "Fluid  Boys" || corr[0].Corrected != "FluidVoice" || corr[0].Confidence != 1 {
		t.Errorf("first correction = %+v", corr[0])
	}
}

func TestDictionary_RebuiltOnlyOnChange(t *testing.T) {
	t.Parallel()

	dict := transcript.NewDictionary([]transcript.DictionaryEntry{
		{Triggers: []string{"a b"}, Replacement: "AB"},
	})
	gen := dict.Generation()
	for range 10 {
		dict.Apply("a b c")
	}
	if dict.Generation() != gen {
		t.Fatalf("Apply recompiled the matcher: generation %d -> %d", gen, dict.Generation())
	}

	dict.SetEntries([]transcript.DictionaryEntry{{Triggers: []string{"c"}, Replacement: "C"}})
	if dict.Generation() != gen+1 {
		t.Errorf("SetEntries: generation = %d, want %d", dict.Generation(), gen+1)
	}
	if got, _ := dict.Apply("a b c"); got != "a b C" {
		t.Errorf("Apply after SetEntries = %q", got)
	}

	dict.Invalidate()
	if dict.Generation() != gen+2 {
		t.Errorf("Invalidate: generation = %d, want %d", dict.Generation(), gen+2)
	}
	if n := len(dict.Entries()); n != 1 {
		t.Errorf("Entries = %d, want 1", n)
	}
}

func TestDictionary_ConcurrentUse(t *testing.T) {
	t.Parallel()

	dict := transcript.NewDictionary([]transcript.DictionaryEntry{
		{Triggers: []string{"fluid boys"}, Replacement: "FluidVoice"},
	})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if i == 0 {
					dict.Invalidate()
					continue
				}
				if got, _ := dict.Apply("fluid boys"); got != "FluidVoice" {
					t.Errorf("Apply = %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestBooster(t *testing.T) {
	t.Parallel()

	b := transcript.NewBooster([]asr.VocabularyTerm{
		{Text: "gRPC", Weight: 1},
		{Text: " FluidVoice ", Weight: 3, Aliases: []string{"fluid boys"}},
		{Text: "", Weight: 9},
		{Text: "fluidvoice", Weight: 5, Aliases: []string{"fluid voice"}},
		{Text: "Kubernetes", Weight: 2},
	}, transcript.WithMaxHintTerms(2))

	terms := b.Terms()
	if len(terms) != 3 {
		t.Fatalf("Terms = %+v, want 3 after dedupe", terms)
	}
	if terms[0].Text != "FluidVoice" || terms[0].Weight != 5 || len(terms[0].Aliases) != 2 {
		t.Errorf("merged term = %+v", terms[0])
	}

	h := b.Hints("en")
	if h.Language != "en" || len(h.Vocabulary) != 2 {
		t.Fatalf("Hints = %+v", h)
	}
	if h.Vocabulary[1].Text != "Kubernetes" {
		t.Errorf("second hint = %q, want Kubernetes", h.Vocabulary[1].Text)
	}
	if got := b.Prompt(0); got != "FluidVoice, Kubernetes, gRPC" {
		t.Errorf("Prompt = %q", got)
	}

	b.SetMaxHintTerms(0)
	if n := len(b.Hints("en").Vocabulary); n != 3 {
		t.Errorf("unbounded hints = %d, want 3", n)
	}

	b.SetTerms(nil)
	if len(b.Hints("").Vocabulary) != 0 {
		t.Error("hints not cleared by SetTerms(nil)")
	}
}
