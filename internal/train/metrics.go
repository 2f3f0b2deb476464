package train

import (
	"math"
	"sort"
)

// EvalMetrics is one validation evaluation. AUC and PRAUC are pointers
// because an empty or degenerate evaluation yields null rather than a fake
// number; Note explains any fallback taken.
type EvalMetrics struct {
	AUC      *float64 `json:"auc"`
	Accuracy float64  `json:"accuracy"`
	Brier    float64  `json:"brier"`
	ECE      float64  `json:"ece"`
	MCE      float64  `json:"mce"`
	PRAUC    *float64 `json:"pr_auc"`
	Samples  int      `json:"samples"`
	Note     string   `json:"note,omitempty"`
}

const reliabilityBins = 10

// Evaluate computes the full validation metric set over predicted
// probabilities and true labels.
func Evaluate(probs []float64, y []int) EvalMetrics {
	m := EvalMetrics{Samples: len(probs)}
	if len(probs) == 0 {
		m.Note = "empty validation set"
		return m
	}

	auc, note := robustAUC(probs, y)
	m.AUC = auc
	m.Note = note
	m.Accuracy = accuracy(probs, y)
	m.Brier = brier(probs, y)
	m.ECE, m.MCE = reliability(probs, y)
	m.PRAUC = prAUC(probs, y)
	return m
}

// robustAUC ranks with average tie handling. Degenerate inputs fall back to
// 0.5 with a note instead of failing the evaluation: a single-class label
// set or constant scores carry no ranking information.
func robustAUC(probs []float64, y []int) (*float64, string) {
	if len(probs) == 0 {
		return nil, "empty validation set"
	}

	pos, neg := 0, 0
	for _, label := range y {
		if label == 1 {
			pos++
		} else {
			neg++
		}
	}
	half := 0.5
	if pos == 0 || neg == 0 {
		return &half, "single-class validation set"
	}

	constant := true
	for _, p := range probs[1:] {
		if p != probs[0] {
			constant = false
			break
		}
	}
	if constant {
		return &half, "constant scores"
	}

	// Mann-Whitney U via average ranks.
	type scored struct {
		p float64
		y int
	}
	rows := make([]scored, len(probs))
	for i := range probs {
		rows[i] = scored{p: probs[i], y: y[i]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].p < rows[j].p })

	ranks := make([]float64, len(rows))
	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && rows[j].p == rows[i].p {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}

	rankSum := 0.0
	for i, row := range rows {
		if row.y == 1 {
			rankSum += ranks[i]
		}
	}
	auc := (rankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
	return &auc, ""
}

func accuracy(probs []float64, y []int) float64 {
	correct := 0
	for i, p := range probs {
		pred := 0
		if p >= 0.5 {
			pred = 1
		}
		if pred == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(probs))
}

func brier(probs []float64, y []int) float64 {
	sum := 0.0
	for i, p := range probs {
		d := p - float64(y[i])
		sum += d * d
	}
	return sum / float64(len(probs))
}

// reliability bins predictions into 10 equal-width probability bins and
// returns (ECE, MCE): the count-weighted mean and the max of
// |mean predicted − empirical positive rate| per non-empty bin.
func reliability(probs []float64, y []int) (ece, mce float64) {
	var (
		counts   [reliabilityBins]int
		probSums [reliabilityBins]float64
		posSums  [reliabilityBins]float64
	)
	for i, p := range probs {
		b := int(p * reliabilityBins)
		if b >= reliabilityBins {
			b = reliabilityBins - 1
		}
		if b < 0 {
			b = 0
		}
		counts[b]++
		probSums[b] += p
		posSums[b] += float64(y[i])
	}

	n := float64(len(probs))
	for b := 0; b < reliabilityBins; b++ {
		if counts[b] == 0 {
			continue
		}
		c := float64(counts[b])
		gap := math.Abs(probSums[b]/c - posSums[b]/c)
		ece += gap * c / n
		if gap > mce {
			mce = gap
		}
	}
	return ece, mce
}

// prAUC computes average precision (step-wise precision-recall area). A
// validation set with no positives has no defined PR curve and yields nil.
func prAUC(probs []float64, y []int) *float64 {
	pos := 0
	for _, label := range y {
		if label == 1 {
			pos++
		}
	}
	if pos == 0 {
		return nil
	}

	type scored struct {
		p float64
		y int
	}
	rows := make([]scored, len(probs))
	for i := range probs {
		rows[i] = scored{p: probs[i], y: y[i]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].p > rows[j].p })

	ap := 0.0
	tp := 0
	for i, row := range rows {
		if row.y == 1 {
			tp++
			precision := float64(tp) / float64(i+1)
			ap += precision
		}
	}
	ap /= float64(pos)
	return &ap
}
