package phonetic_test

import (
	"testing"

	"github.com/MrWong99/voxscribe/internal/transcript/phonetic"
)

var vocabulary = []string{"Kubernetes", "FluidVoice", "Tower Bridge"}

func TestMatcher_SingleWordMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("kubernetis", vocabulary)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "kubernetis")
	}
	if corrected != "Kubernetes" {
		t.Errorf("Match(%q): corrected=%q, want %q", "kubernetis", corrected, "Kubernetes")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9", "kubernetis", conf)
	}
}

func TestMatcher_SplitCompound(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	// The space-stripped comparison joins the two spoken words.
	corrected, _, matched := m.Match("fluid voice", vocabulary)
	if !matched || corrected != "FluidVoice" {
		t.Fatalf("Match(%q) = %q, %v; want FluidVoice", "fluid voice", corrected, matched)
	}
}

func TestMatcher_MultiWordTerm(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("tower bridje", vocabulary)
	if !matched {
		t.Fatalf("Match(%q): matched=false, want true", "tower bridje")
	}
	if corrected != "Tower Bridge" {
		t.Errorf("corrected=%q, want %q", corrected, "Tower Bridge")
	}
	if conf < 0.7 {
		t.Errorf("confidence=%f, want >= 0.7", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("hello", vocabulary)
	if matched {
		t.Fatalf("Match(%q): matched=true (%q), want false", "hello", corrected)
	}
	if corrected != "hello" || conf != 0 {
		t.Errorf("Match(%q) = %q, %f; want input unchanged with 0 confidence", "hello", corrected, conf)
	}
}

func TestMatcher_CaseInsensitivity(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, _, matched := m.Match("KUBERNETES", vocabulary)
	if !matched || corrected != "Kubernetes" {
		t.Fatalf("Match(%q) = %q, %v; want term casing", "KUBERNETES", corrected, matched)
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, matched := m.Match("kubernetis", vocabulary); matched {
		t.Fatal("threshold 0.99 should reject near-matches")
	}
}

func TestMatcher_MinLength(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if _, _, matched := m.Match("ku", []string{"Ku"}); matched {
		t.Error("inputs shorter than the minimum length must not match")
	}
	m = phonetic.New(phonetic.WithMinLength(1))
	if _, _, matched := m.Match("ku", []string{"Ku"}); !matched {
		t.Error("WithMinLength(1) should allow short inputs")
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if corrected, conf, matched := m.Match("kubernetes", nil); matched || corrected != "kubernetes" || conf != 0 {
		t.Errorf("nil terms: Match = %q, %f, %v", corrected, conf, matched)
	}
	if corrected, conf, matched := m.Match("", vocabulary); matched || corrected != "" || conf != 0 {
		t.Errorf("empty word: Match = %q, %f, %v", corrected, conf, matched)
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	set := phonetic.Prepare([]string{"Kubernetes", "  ", "Tower Bridge"})
	if set.Len() != 2 {
		t.Errorf("Len = %d, want 2", set.Len())
	}
	if set.MaxWords() != 2 {
		t.Errorf("MaxWords = %d, want 2", set.MaxWords())
	}

	m := phonetic.New()
	corrected, _, matched := m.MatchPrepared("kubernetis", set)
	if !matched || corrected != "Kubernetes" {
		t.Errorf("MatchPrepared = %q, %v", corrected, matched)
	}
}
