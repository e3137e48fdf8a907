package ingestion

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

const (
	StrategyRunes     = "runes"
	StrategyWords     = "words"
	StrategySentences = "sentences"
)

// Chunker splits document text into overlapping pieces.
type Chunker struct {
	size     int
	overlap  int
	strategy string
}

func NewChunker(size, overlap int, strategy string) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	switch strategy {
	case "":
		strategy = StrategyRunes
	case StrategyRunes, StrategyWords, StrategySentences:
	default:
		return nil, fmt.Errorf("unknown chunk strategy %q", strategy)
	}
	return &Chunker{size: size, overlap: overlap, strategy: strategy}, nil
}

func (c *Chunker) Split(text string) []string {
	switch c.strategy {
	case StrategyWords:
		return c.splitWords(text)
	case StrategySentences:
		return c.splitSentences(text)
	default:
		return c.splitRunes(text)
	}
}

type span struct{ start, end int }

func isBreak(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '。', '！', '？', '；', '，', '、', '：', '.', '!', '?', ';', ',', ':':
		return true
	}
	return false
}

// runeSpans windows over runes. A window that would end mid-text is cut back
// to the last break rune in its second half, if there is one.
func (c *Chunker) runeSpans(runes []rune) []span {
	var spans []span
	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			spans = append(spans, span{start, len(runes)})
			break
		}
		for cut := end; cut > start+c.size/2; cut-- {
			if isBreak(runes[cut-1]) {
				end = cut
				break
			}
		}
		spans = append(spans, span{start, end})

		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return spans
}

func (c *Chunker) splitRunes(text string) []string {
	runes := []rune(text)
	var chunks []string
	for _, s := range c.runeSpans(runes) {
		if chunk := strings.TrimSpace(string(runes[s.start:s.end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

func (c *Chunker) splitWords(text string) []string {
	words := strings.Fields(text)
	var chunks []string
	step := c.size - c.overlap
	for i := 0; i < len(words); i += step {
		end := i + c.size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '\n':
		return true
	}
	return false
}

// Sentences segments text on CJK terminators and newlines, then hands runs
// that look like western prose to the prose tokenizer.
func Sentences(text string) []string {
	var (
		out   []string
		piece []rune
	)
	flush := func() {
		s := strings.TrimSpace(string(piece))
		piece = piece[:0]
		if s == "" {
			return
		}
		if !strings.ContainsAny(s, ".!?") {
			out = append(out, s)
			return
		}
		doc, err := prose.NewDocument(s,
			prose.WithTagging(false),
			prose.WithExtraction(false),
			prose.WithTokenization(false),
		)
		if err != nil {
			out = append(out, s)
			return
		}
		for _, sent := range doc.Sentences() {
			if t := strings.TrimSpace(sent.Text); t != "" {
				out = append(out, t)
			}
		}
	}

	for _, r := range text {
		piece = append(piece, r)
		if isTerminator(r) {
			flush()
		}
	}
	flush()
	return out
}

func runeLen(s string) int { return len([]rune(s)) }

// splitSentences packs whole sentences up to the chunk size. The tail
// sentences of a chunk that fit in the overlap budget open the next one.
func (c *Chunker) splitSentences(text string) []string {
	var units []string
	for _, s := range Sentences(text) {
		if runeLen(s) > c.size {
			units = append(units, c.splitRunes(s)...)
			continue
		}
		units = append(units, s)
	}

	var (
		chunks  []string
		current []string
		length  int
	)
	join := func(parts []string) string { return strings.Join(parts, " ") }
	sizeOf := func(parts []string) int {
		n := 0
		for i, p := range parts {
			if i > 0 {
				n++
			}
			n += runeLen(p)
		}
		return n
	}

	for _, u := range units {
		ul := runeLen(u)
		added := ul
		if len(current) > 0 {
			added++
		}
		if len(current) > 0 && length+added > c.size {
			chunks = append(chunks, join(current))

			var carry []string
			for i := len(current) - 1; i >= 0; i-- {
				candidate := append([]string{current[i]}, carry...)
				if sizeOf(candidate) > c.overlap {
					break
				}
				carry = candidate
			}
			if len(carry) > 0 && sizeOf(carry)+1+ul > c.size {
				carry = nil
			}
			current = carry
			length = sizeOf(current)
			added = ul
			if len(current) > 0 {
				added++
			}
		}
		current = append(current, u)
		length += added
	}
	if len(current) > 0 {
		chunks = append(chunks, join(current))
	}
	return chunks
}
