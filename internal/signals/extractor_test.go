package signals

import (
	"math"
	"testing"

	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region helpers

func uniformToken(n int) trace.TokenProb {
	top := make([]float64, n)
	for i := range top {
		top[i] = 1 / float64(n)
	}
	return trace.TokenProb{Token: "x", Prob: top[0], TopK: top}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// #endregion helpers

// #region entropy-tests

// openAIShaped mimics a chat-completions token at top_logprobs=20: a 0.3 winner
// and nineteen 0.03 alternatives, leaving 0.13 unreported.
func openAIShaped() trace.TokenProb {
	top := []float64{0.3}
	for i := 0; i < 19; i++ {
		top = append(top, 0.03)
	}
	return trace.TokenProb{Token: "x", Prob: 0.3, TopK: top}
}

func TestTokenEntropy(t *testing.T) {
	tests := []struct {
		name  string
		tok   trace.TokenProb
		vocab int
		want  float64
	}{
		{"certain", trace.TokenProb{Prob: 1}, 100000, 0},
		{"uniform-32", uniformToken(32), 100000, 5},
		{"uniform-2", uniformToken(2), 100000, 1},
		{"residual-single-outcome", trace.TokenProb{Prob: 0.5}, 2, 1},
		{"residual-spread-over-two", trace.TokenProb{Prob: 0.5}, 3, 1.5},
		{"vocab-smaller-than-reported", trace.TokenProb{Prob: 0.5}, 1, 1},
		{"overshoot-renormalized", trace.TokenProb{TopK: []float64{1, 1}}, 100000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenEntropy(tt.tok, tt.vocab); !approx(got, tt.want) {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestTokenEntropy_TopKWindowExceedsHesitation(t *testing.T) {
	tok := openAIShaped()
	// the 21-outcome window alone stays under log2(21) bits
	if capped := tokenEntropy(tok, len(tok.TopK)+1); capped >= math.Log2(21) {
		t.Fatalf("window entropy %f should be below %f", capped, math.Log2(21))
	}
	got := tokenEntropy(tok, config.DefaultThresholds().VocabSize)
	if got <= config.DefaultThresholds().HesitationEntropy {
		t.Errorf("expected entropy above %f with the residual spread over the vocabulary, got %f",
			config.DefaultThresholds().HesitationEntropy, got)
	}
}

func TestExtract_VocabSizeFromThresholds(t *testing.T) {
	th := config.DefaultThresholds()
	th.VocabSize = 2
	e := NewExtractor(ConfigFrom(th))
	f := e.Extract(StepInput{Completion: "a", Tokens: []trace.TokenProb{{Prob: 0.5}}}, nil)
	if !approx(f.Entropy, 1) {
		t.Errorf("expected 1 bit with a two-token vocabulary, got %f", f.Entropy)
	}
}

func TestExtract_MeanEntropy(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	f := e.Extract(StepInput{
		Completion: "a b",
		Tokens:     []trace.TokenProb{{Prob: 1}, uniformToken(4)},
	}, nil)

	if len(f.TokenEntropies) != 2 {
		t.Fatalf("expected 2 token entropies, got %d", len(f.TokenEntropies))
	}
	if !approx(f.Entropy, 1) {
		t.Errorf("expected mean entropy 1, got %f", f.Entropy)
	}
}

func TestExtract_NoTokens(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	f := e.Extract(StepInput{Completion: "text without probabilities"}, nil)
	if f.Entropy != 0 || len(f.TokenEntropies) != 0 {
		t.Errorf("expected zero entropy, got %+v", f)
	}
}

// #endregion entropy-tests

// #region depth-zero-tests

func TestExtract_DepthZero(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	f := e.Extract(StepInput{
		Prompt:     "Describe the river delta ecosystem",
		Completion: "The delta ecosystem hosts migratory birds",
	}, nil)

	if f.Divergence != nil {
		t.Errorf("expected nil divergence at depth 0, got %f", *f.Divergence)
	}
	if f.RepetitionScore != 0 {
		t.Errorf("expected zero repetition at depth 0, got %f", f.RepetitionScore)
	}
	// content tokens: delta, ecosystem, hosts, migratory, birds → 2 of 5 in prompt
	if !approx(f.CausalLinkScore, 0.4) {
		t.Errorf("expected causal link 0.4 against the prompt, got %f", f.CausalLinkScore)
	}
}

// #endregion depth-zero-tests

// #region divergence-tests

func TestExtract_DivergenceIdenticalProfiles(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	toks := []trace.TokenProb{{Prob: 0.9, TopK: []float64{0.9, 0.05}}}
	prior := []trace.Step{{Completion: "one", Tokens: toks}}

	f := e.Extract(StepInput{Depth: 1, Completion: "two", Tokens: toks}, prior)
	if f.Divergence == nil || !approx(*f.Divergence, 0) {
		t.Errorf("expected zero divergence, got %v", f.Divergence)
	}
}

func TestExtract_DivergenceBounded(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	prior := []trace.Step{{Completion: "one", Tokens: []trace.TokenProb{{Prob: 1}}}}

	f := e.Extract(StepInput{Depth: 1, Completion: "two", Tokens: []trace.TokenProb{uniformToken(64)}}, prior)
	if f.Divergence == nil {
		t.Fatal("expected divergence at depth 1")
	}
	if *f.Divergence <= 0.5 || *f.Divergence > 1 {
		t.Errorf("expected large bounded divergence, got %f", *f.Divergence)
	}
}

func TestJSDDisjoint(t *testing.T) {
	if got := jsd([]float64{1, 0}, []float64{0, 1}); !approx(got, 1) {
		t.Errorf("expected 1 for disjoint distributions, got %f", got)
	}
}

// #endregion divergence-tests

// #region causal-link-tests

func TestCausalLink(t *testing.T) {
	tests := []struct {
		name      string
		text, ref string
		want      float64
	}{
		{"empty", "", "anything here", 0},
		{"only-stopwords", "it is what it is", "anything", 0},
		{"full", "river delta", "the delta of the river", 1},
		{"half", "river mountain", "river delta", 0.5},
		{"case-insensitive", "RIVER", "river", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := causalLink(tt.text, tt.ref); !approx(got, tt.want) {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

// #endregion causal-link-tests

// #region repetition-tests

func TestRepetition(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the same answer again", "the same answer again", 1},
		{"disjoint", "alpha beta gamma", "delta epsilon zeta", 0},
		{"unigram-fallback", "alpha", "alpha beta", 0.5},
		{"both-empty", "", "", 1},
		{"one-empty", "alpha beta", "", 0},
		{"partial", "a b c", "a b d", 1.0 / 3.0}, // {ab, bc} vs {ab, bd}
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := repetition(tt.a, tt.b); !approx(got, tt.want) {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestExtract_Deterministic(t *testing.T) {
	e := NewExtractor(ExtractorConfig{})
	prior := []trace.Step{{Completion: "first answer here", Tokens: []trace.TokenProb{uniformToken(3)}}}
	in := StepInput{Depth: 1, Completion: "second answer here", Tokens: []trace.TokenProb{uniformToken(5)}}

	a, b := e.Extract(in, prior), e.Extract(in, prior)
	if a.Entropy != b.Entropy || *a.Divergence != *b.Divergence ||
		a.CausalLinkScore != b.CausalLinkScore || a.RepetitionScore != b.RepetitionScore {
		t.Errorf("extraction not deterministic: %+v vs %+v", a, b)
	}
}

// #endregion repetition-tests
