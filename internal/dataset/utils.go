package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"unicode/utf8"
)

const (
	ratioTolerance = 1e-6
	shortTextRunes = 10
	defaultField   = "text"
)

// Split shuffles data with seed and cuts it into train, validation and test
// parts. The ratios must sum to one.
func Split[T any](data []T, train, val, test float64, seed int64) ([]T, []T, []T, error) {
	if math.Abs(train+val+test-1) > ratioTolerance {
		return nil, nil, nil, fmt.Errorf("ratios must sum to 1.0, got %.3f", train+val+test)
	}
	if train < -ratioTolerance || val < -ratioTolerance || test < -ratioTolerance {
		return nil, nil, nil, fmt.Errorf("ratios must not be negative")
	}

	shuffled := make([]T, len(data))
	rng := rand.New(rand.NewSource(seed))
	for i, j := range rng.Perm(len(data)) {
		shuffled[i] = data[j]
	}

	nTrain := max(0, min(int(math.Floor(train*float64(len(data)))), len(data)))
	rest := shuffled[nTrain:]
	nVal := 0
	if val+test > 0 {
		nVal = max(0, min(int(math.Floor(val/(val+test)*float64(len(rest)))), len(rest)))
	}
	return shuffled[:nTrain:nTrain], rest[:nVal:nVal], rest[nVal:], nil
}

// Balance downsamples every group of key to the size of the smallest group.
// Groups keep the order in which they first appear.
func Balance(data []Record, key string, rng *rand.Rand) []Record {
	if len(data) == 0 || key == "" {
		return data
	}
	var order []string
	groups := make(map[string][]Record)
	for _, r := range data {
		k := fmt.Sprint(r[key])
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	minSize := len(data)
	for _, g := range groups {
		if len(g) < minSize {
			minSize = len(g)
		}
	}
	out := make([]Record, 0, minSize*len(groups))
	for _, k := range order {
		g := groups[k]
		for _, idx := range rng.Perm(len(g))[:minSize] {
			out = append(out, g[idx])
		}
	}
	return out
}

// Augment adds factor-1 word-shuffled copies of every text longer than three words.
func Augment(texts []string, factor int, rng *rand.Rand) []string {
	out := make([]string, 0, len(texts)*max(factor, 1))
	for _, t := range texts {
		out = append(out, t)
		words := strings.Fields(t)
		if len(words) <= 3 {
			continue
		}
		for i := 1; i < factor; i++ {
			shuffled := append([]string(nil), words...)
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			out = append(out, strings.Join(shuffled, " "))
		}
	}
	return out
}

type Stats struct {
	TotalSamples  int     `json:"total_samples"`
	AvgTextLength float64 `json:"avg_text_length"`
	MaxTextLength int     `json:"max_text_length"`
	MinTextLength int     `json:"min_text_length"`
}

// ComputeStats measures the "text" field in runes.
func ComputeStats(data []Record) Stats {
	st := Stats{TotalSamples: len(data)}
	var total, n int
	for _, r := range data {
		text, ok := r[defaultField].(string)
		if !ok {
			continue
		}
		l := utf8.RuneCountInString(text)
		if n == 0 || l < st.MinTextLength {
			st.MinTextLength = l
		}
		if l > st.MaxTextLength {
			st.MaxTextLength = l
		}
		total += l
		n++
	}
	if n > 0 {
		st.AvgTextLength = float64(total) / float64(n)
	}
	return st
}

// ValidateFormat reports whether data is non-empty and every record has all fields.
func ValidateFormat(data []Record, fields []string) bool {
	if len(data) == 0 {
		return false
	}
	for _, r := range data {
		for _, f := range fields {
			if _, ok := r[f]; !ok {
				return false
			}
		}
	}
	return true
}

type QualityReport struct {
	TotalSamples   int     `json:"total_samples"`
	EmptyTexts     int     `json:"empty_texts"`
	ShortTexts     int     `json:"short_texts"`
	DuplicateTexts int     `json:"duplicate_texts"`
	QualityScore   float64 `json:"quality_score"`
}

// CheckQuality counts empty, short and duplicate values of field. The score
// is one minus the share of issues; an empty dataset scores zero.
func CheckQuality(data []Record, field string) QualityReport {
	if field == "" {
		field = defaultField
	}
	rep := QualityReport{TotalSamples: len(data)}
	seen := make(map[string]bool)
	for _, r := range data {
		text, _ := r[field].(string)
		trimmed := strings.TrimSpace(text)
		switch {
		case trimmed == "":
			rep.EmptyTexts++
		case utf8.RuneCountInString(trimmed) < shortTextRunes:
			rep.ShortTexts++
		}
		if seen[text] {
			rep.DuplicateTexts++
		} else {
			seen[text] = true
		}
	}
	if rep.TotalSamples > 0 {
		issues := rep.EmptyTexts + rep.ShortTexts + rep.DuplicateTexts
		rep.QualityScore = 1 - float64(issues)/float64(rep.TotalSamples)
	}
	return rep
}
