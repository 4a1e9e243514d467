package signals

import (
	"math"
	"sort"

	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region extractor

// Extractor computes the per-step feature vector. It is pure and safe for concurrent use.
type Extractor struct {
	config ExtractorConfig
}

// NewExtractor creates an Extractor. Non-positive fields fall back to the defaults.
func NewExtractor(config ExtractorConfig) *Extractor {
	if config.ProfileRanks <= 0 {
		config.ProfileRanks = DefaultExtractorConfig().ProfileRanks
	}
	if config.VocabSize <= 0 {
		config.VocabSize = DefaultExtractorConfig().VocabSize
	}
	return &Extractor{config: config}
}

// #endregion extractor

// #region extract

// Extract computes the features of in given the steps that precede it.
func (e *Extractor) Extract(in StepInput, prior []trace.Step) trace.Features {
	entropies := make([]float64, len(in.Tokens))
	var sum float64
	for i, tok := range in.Tokens {
		entropies[i] = tokenEntropy(tok, e.config.VocabSize)
		sum += entropies[i]
	}
	f := trace.Features{TokenEntropies: entropies}
	if len(entropies) > 0 {
		f.Entropy = sum / float64(len(entropies))
	}

	if len(prior) == 0 {
		f.CausalLinkScore = causalLink(in.Completion, in.Prompt)
		return f
	}

	prev := prior[len(prior)-1]
	d := jsd(e.rankProfile(in.Tokens), e.rankProfile(prev.Tokens))
	f.Divergence = &d
	f.CausalLinkScore = causalLink(in.Completion, prev.Completion)
	f.RepetitionScore = repetition(in.Completion, prev.Completion)
	return f
}

// #endregion extract

// #region entropy

// reported returns the positive reported probabilities of one token, renormalized
// when they overshoot 1, and the unreported mass left over.
func reported(tok trace.TokenProb) (dist []float64, residual float64) {
	src := tok.TopK
	if len(src) == 0 {
		src = []float64{tok.Prob}
	}
	dist = make([]float64, 0, len(src)+1)
	var total float64
	for _, p := range src {
		if p > 0 {
			dist = append(dist, p)
			total += p
		}
	}
	if total > 1 {
		for i := range dist {
			dist[i] /= total
		}
		return dist, 0
	}
	return dist, 1 - total
}

// tokenDistribution returns the reported probabilities of one token plus the
// unreported residual mass as a final outcome.
func tokenDistribution(tok trace.TokenProb) []float64 {
	dist, r := reported(tok)
	if r > 0 {
		dist = append(dist, r)
	}
	return dist
}

// tokenEntropy is the Shannon entropy in bits of one token's distribution. The
// unreported mass r is taken as uniform over the vocab-k tokens nobody reported,
// contributing -r*log2(r/(vocab-k)); a top-k window alone caps at log2(k+1) bits.
func tokenEntropy(tok trace.TokenProb, vocab int) float64 {
	dist, r := reported(tok)
	var h float64
	for _, p := range dist {
		h -= p * math.Log2(p)
	}
	if r > 0 {
		unreported := vocab - len(dist)
		if unreported < 1 {
			unreported = 1
		}
		h -= r * math.Log2(r/float64(unreported))
	}
	return h
}

// #endregion entropy

// #region divergence

// rankProfile averages the descending-sorted token distributions into ProfileRanks
// slots plus one tail bucket. No tokens yields all mass in the tail.
func (e *Extractor) rankProfile(tokens []trace.TokenProb) []float64 {
	n := e.config.ProfileRanks
	profile := make([]float64, n+1)
	if len(tokens) == 0 {
		profile[n] = 1
		return profile
	}
	for _, tok := range tokens {
		dist := tokenDistribution(tok)
		sort.Sort(sort.Reverse(sort.Float64Slice(dist)))
		for i, p := range dist {
			if i < n {
				profile[i] += p
			} else {
				profile[n] += p
			}
		}
	}
	for i := range profile {
		profile[i] /= float64(len(tokens))
	}
	return profile
}

// jsd is the base-2 Jensen-Shannon divergence of two equal-length distributions, in [0,1].
func jsd(p, q []float64) float64 {
	var d float64
	for i := range p {
		m := (p[i] + q[i]) / 2
		if p[i] > 0 {
			d += p[i] * math.Log2(p[i]/m)
		}
		if q[i] > 0 {
			d += q[i] * math.Log2(q[i]/m)
		}
	}
	return clamp(d / 2)
}

// #endregion divergence

// #region causal-link

// causalLink is the share of text's distinct content tokens that also occur in reference.
func causalLink(text, reference string) float64 {
	cur := contentTokens(text)
	if len(cur) == 0 {
		return 0
	}
	ref := make(map[string]bool)
	for _, t := range contentTokens(reference) {
		ref[t] = true
	}
	hits := 0
	for _, t := range cur {
		if ref[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(cur))
}

// #endregion causal-link

// #region repetition

// repetition is the Jaccard similarity of the word-bigram sets of a and b,
// falling back to unigrams when either side has fewer than two words.
func repetition(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	n := 2
	if len(wa) < 2 || len(wb) < 2 {
		n = 1
	}
	sa, sb := ngrams(wa, n), ngrams(wb, n)
	inter := 0
	for g := range sa {
		if sb[g] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func ngrams(ws []string, n int) map[string]bool {
	set := make(map[string]bool)
	for i := 0; i+n <= len(ws); i++ {
		g := ws[i]
		for j := 1; j < n; j++ {
			g += " " + ws[i+j]
		}
		set[g] = true
	}
	return set
}

// #endregion repetition

// #region helpers

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
