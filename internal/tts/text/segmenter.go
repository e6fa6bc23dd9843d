// Package text splits mixed Chinese, Japanese and English text into language runs.
//
// Segmentation happens in three passes. A script pass splits the input wherever the
// Unicode script bucket of a rune changes, with neutral runes (digits, punctuation,
// symbols and whitespace) inheriting the bucket before them. Each coarse run is then
// scored by a Classifier and adjacent runs of the same language are merged. Finally a
// stitching pass reassigns short runs that would otherwise be synthesised in the wrong
// voice: short Han runs glued to Japanese text become Japanese, and any run of at most
// MaxEmbeddedRun runes wedged between two runs of the same language takes that language.
package text

import (
	"unicode"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Default stitching thresholds, in runes.
const (
	DefaultMaxHanRun      = 3
	DefaultMaxEmbeddedRun = 2
)

type scriptBucket int

const (
	bucketNeutral scriptBucket = iota
	bucketKana
	bucketHan
	bucketLatin
	bucketOther
)

// prolongedSoundMark is in the Common script but only ever appears in kana words.
const prolongedSoundMark = 'ー'

// Options tunes the stitching pass.
type Options struct {
	// MaxHanRun is the longest Han run that Japanese adhesion may reassign.
	MaxHanRun int
	// MaxEmbeddedRun is the longest run absorbed by identical neighbours on both sides.
	MaxEmbeddedRun int
	// KanaPull reassigns short Han runs adjacent to kana-bearing Japanese runs.
	KanaPull bool
}

// DefaultOptions returns the stitching thresholds used by the service.
func DefaultOptions() Options {
	return Options{
		MaxHanRun:      DefaultMaxHanRun,
		MaxEmbeddedRun: DefaultMaxEmbeddedRun,
		KanaPull:       true,
	}
}

// Segmenter splits text into language runs.
type Segmenter struct {
	classifier Classifier
	options    Options
}

// NewSegmenter creates a segmenter. Negative thresholds are treated as zero.
func NewSegmenter(classifier Classifier, options Options) *Segmenter {
	options.MaxHanRun = max(options.MaxHanRun, 0)
	options.MaxEmbeddedRun = max(options.MaxEmbeddedRun, 0)

	return &Segmenter{classifier: classifier, options: options}
}

type span struct {
	start int
	end   int
	lang  core.Language
}

func (s span) length() int {
	return s.end - s.start
}

// Segment returns the ordered language runs of input. The runs cover the input
// exactly; concatenating their Text fields reproduces it.
func (s *Segmenter) Segment(input string) []core.Segment {
	runes := []rune(input)
	if len(runes) == 0 {
		return []core.Segment{}
	}

	spans := make([]span, 0)
	for _, bounds := range coarseRuns(runes) {
		chunk := string(runes[bounds[0]:bounds[1]])
		spans = append(spans, span{
			start: bounds[0],
			end:   bounds[1],
			lang:  s.classifier.Scores(chunk).best(),
		})
	}

	spans = mergeAdjacent(spans)
	spans = s.smoothJapanese(spans, runes)
	spans = mergeAdjacent(spans)
	spans = s.stitchEmbedded(spans, runes)
	spans = mergeAdjacent(spans)

	segments := make([]core.Segment, 0, len(spans))
	for _, sp := range spans {
		segments = append(segments, core.Segment{
			Text:     string(runes[sp.start:sp.end]),
			Language: sp.lang,
			Start:    sp.start,
			End:      sp.end,
		})
	}

	return segments
}

// Languages returns the distinct languages of segments in order of first appearance.
func Languages(segments []core.Segment) []core.Language {
	seen := make(map[core.Language]bool, len(core.SupportedLanguages))
	langs := make([]core.Language, 0, len(core.SupportedLanguages))

	for _, seg := range segments {
		if !seen[seg.Language] {
			seen[seg.Language] = true
			langs = append(langs, seg.Language)
		}
	}

	return langs
}

func classify(char rune) scriptBucket {
	switch {
	case unicode.In(char, unicode.Hiragana, unicode.Katakana) || char == prolongedSoundMark:
		return bucketKana
	case unicode.Is(unicode.Han, char):
		return bucketHan
	case unicode.Is(unicode.Latin, char):
		return bucketLatin
	case unicode.IsNumber(char) || unicode.IsPunct(char) || unicode.IsSymbol(char) || unicode.IsSpace(char):
		return bucketNeutral
	default:
		return bucketOther
	}
}

// coarseRuns splits runes at every change of effective script bucket and returns
// half-open [start, end) bounds. A leading neutral prefix belongs to the first run.
func coarseRuns(runes []rune) [][2]int {
	runs := make([][2]int, 0)
	start := 0
	current := bucketNeutral

	for i, char := range runes {
		bucket := classify(char)
		if bucket == bucketNeutral {
			continue
		}

		if current == bucketNeutral {
			current = bucket

			continue
		}

		if bucket != current {
			runs = append(runs, [2]int{start, i})
			start, current = i, bucket
		}
	}

	return append(runs, [2]int{start, len(runes)})
}

func mergeAdjacent(spans []span) []span {
	merged := make([]span, 0, len(spans))

	for _, sp := range spans {
		last := len(merged) - 1
		if last >= 0 && merged[last].lang == sp.lang && merged[last].end == sp.start {
			merged[last].end = sp.end

			continue
		}

		merged = append(merged, sp)
	}

	return merged
}

// smoothJapanese reassigns short zh runs inside Japanese text. A zh run sandwiched
// between two ja runs becomes ja, and with KanaPull a zh run touching a ja run that
// contains kana becomes ja as well. Kanji compounds otherwise read as Chinese.
func (s *Segmenter) smoothJapanese(spans []span, runes []rune) []span {
	fixed := append([]span(nil), spans...)
	last := len(fixed) - 1

	for i := 1; i < last; i++ {
		mid := fixed[i]
		if mid.lang == core.LanguageChinese && mid.length() <= s.options.MaxHanRun &&
			fixed[i-1].lang == core.LanguageJapanese && fixed[i+1].lang == core.LanguageJapanese {
			fixed[i].lang = core.LanguageJapanese
		}
	}

	if !s.options.KanaPull {
		return fixed
	}

	isKanaJapanese := func(sp span) bool {
		return sp.lang == core.LanguageJapanese && containsKana(runes[sp.start:sp.end])
	}

	for i, sp := range fixed {
		if sp.lang != core.LanguageChinese || sp.length() > s.options.MaxHanRun {
			continue
		}

		leftOK := i > 0 && isKanaJapanese(fixed[i-1])
		rightOK := i < last && isKanaJapanese(fixed[i+1])

		if leftOK || rightOK {
			fixed[i].lang = core.LanguageJapanese
		}
	}

	return fixed
}

// stitchEmbedded absorbs a short run into identical neighbours on both sides.
// Kana never leaves Japanese.
func (s *Segmenter) stitchEmbedded(spans []span, runes []rune) []span {
	fixed := append([]span(nil), spans...)

	for i := 1; i < len(fixed)-1; i++ {
		mid := fixed[i]
		left, right := fixed[i-1], fixed[i+1]

		if mid.length() > s.options.MaxEmbeddedRun || left.lang != right.lang || left.lang == mid.lang {
			continue
		}

		if left.lang != core.LanguageJapanese && containsKana(runes[mid.start:mid.end]) {
			continue
		}

		fixed[i].lang = left.lang
	}

	return fixed
}

func containsKana(runes []rune) bool {
	for _, char := range runes {
		if classify(char) == bucketKana {
			return true
		}
	}

	return false
}
