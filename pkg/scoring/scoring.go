// Package scoring ranks partners and compares programs.
package scoring

import (
	"math"
	"strings"

	"github.com/psantana5/partnerbatch/pkg/models"
)

// Z is the normal quantile for a 95% confidence interval
const Z = 1.96

// SimilarityThreshold is the minimum combined score worth storing
const SimilarityThreshold = 0.1

const (
	jaccardWeight = 0.6
	cosineWeight  = 0.4
)

// WilsonLowerBound returns the lower bound of the Wilson score interval for
// positive successes out of total trials. Zero trials score 0.
func WilsonLowerBound(positive, total int64) float64 {
	if total <= 0 {
		return 0
	}
	if positive > total {
		positive = total
	}
	if positive < 0 {
		positive = 0
	}

	n := float64(total)
	p := float64(positive) / n
	z2 := Z * Z

	centre := p + z2/(2*n)
	margin := Z * math.Sqrt((p*(1-p)+z2/(4*n))/n)
	return (centre - margin) / (1 + z2/n)
}

// PartnerScore ranks a partner by conversions over clicks
func PartnerScore(p *models.Partner) float64 {
	return WilsonLowerBound(p.Conversions, p.Clicks)
}

// Jaccard returns |a ∩ b| / |a ∪ b| over case-insensitive sets. Two empty
// sets score 0.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	inter := 0
	for k := range setA {
		if setB[k] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = true
		}
	}
	return set
}

// Cosine returns the cosine similarity of two equal-length vectors. A zero
// vector or a length mismatch scores 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RewardVector is the program's reward structure as a vector
func RewardVector(p *models.Program) []float64 {
	return []float64{float64(p.ClickReward), float64(p.LeadReward), float64(p.SaleRewardBps)}
}

// Similarity holds the parts of a program comparison
type Similarity struct {
	Score   float64
	Jaccard float64
	Cosine  float64
}

// ComparePrograms weighs category overlap against reward structure
func ComparePrograms(a, b *models.Program) Similarity {
	j := Jaccard(a.Categories, b.Categories)
	c := Cosine(RewardVector(a), RewardVector(b))
	return Similarity{
		Score:   jaccardWeight*j + cosineWeight*c,
		Jaccard: j,
		Cosine:  c,
	}
}
