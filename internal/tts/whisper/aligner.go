package whisper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/text"
)

const (
	errFmtUnsupportedLanguage = "%w: unsupported language %q"
	errFmtAlignRequest        = "aligning %s segment: %w"
	errFmtNoTimestamps        = "%w: no character or word timestamps for %s segment %q"
	errFmtInvalidTimestamp    = "aligning %s segment: %w"
	logFmtAligned             = "Aligned %s segment: %d chars (%d back-filled), model loads so far: %d"
)

// Alias keys accepted in aligner rows, in priority order.
var (
	charSegmentKeys = []string{"char-segments", "char_segments", "chars", "characters"}
	charTextKeys    = []string{"char", "text", "token"}
	startKeys       = []string{"start", "start_ts", "ts_start", "begin"}
	endKeys         = []string{"end", "end_ts", "ts_end", "final", "finish"}
	wordTextKeys    = []string{"word", "text"}
)

// Aligner produces character timestamps for synthesised segments.
type Aligner struct {
	cache  *ModelCache
	logger *logger.Logger
}

// NewAligner creates an aligner that resolves models through cache.
func NewAligner(cache *ModelCache, log *logger.Logger) *Aligner {
	return &Aligner{cache: cache, logger: log}
}

// Align returns segment-local character timestamps for audio spoken from text.
//
// Character rows are preferred. When the aligner only reports words, each word's
// interval is split evenly across its characters. Leading characters the aligner
// skipped are spread over the silence before the first aligned character. When
// nothing can be derived the call fails; there is no positional fallback.
func (a *Aligner) Align(ctx context.Context, audio []byte, rawText string, lang core.Language) ([]core.CharTimestamp, error) {
	if _, err := core.ParseLanguage(string(lang)); err != nil {
		return nil, fmt.Errorf(errFmtUnsupportedLanguage, core.ErrAlignmentFailure, lang)
	}

	cleanText := text.CollapseWhitespace(rawText)
	if cleanText == "" {
		return []core.CharTimestamp{}, nil
	}

	model, err := a.cache.Get(ctx, lang)
	if err != nil {
		return nil, err
	}

	segments, err := model.Align(ctx, audio, cleanText)
	if err != nil {
		return nil, fmt.Errorf(errFmtAlignRequest, lang, err)
	}

	chars, filled := charsFromSegments(segments, cleanText)
	if len(chars) == 0 {
		return nil, fmt.Errorf(errFmtNoTimestamps, core.ErrAlignmentFailure, lang, cleanText)
	}

	for _, char := range chars {
		err = char.Validate()
		if err != nil {
			return nil, fmt.Errorf(errFmtInvalidTimestamp, lang, err)
		}
	}

	a.logger.Info(logFmtAligned, lang, len(chars), filled, a.cache.Loads())

	return chars, nil
}

// charsFromSegments applies the row extraction rules and reports how many leading
// characters were back-filled.
func charsFromSegments(segments []RawSegment, cleanText string) ([]core.CharTimestamp, int) {
	chars := extractCharRows(segments)
	if len(chars) == 0 {
		words := explodeWords(segments)
		sortByTime(words)

		return words, 0
	}

	sortByTime(chars)

	filled := fillLeading(cleanText, chars)

	return append(filled, chars...), len(filled)
}

// sortByTime orders rows by start, then end, keeping the input order of ties.
func sortByTime(chars []core.CharTimestamp) {
	sort.SliceStable(chars, func(i, j int) bool {
		if chars[i].Start != chars[j].Start {
			return chars[i].Start < chars[j].Start
		}

		return chars[i].End < chars[j].End
	})
}

func extractCharRows(segments []RawSegment) []core.CharTimestamp {
	out := make([]core.CharTimestamp, 0)

	for _, segment := range segments {
		rows := firstRows(segment, charSegmentKeys)

		for _, row := range rows {
			char, okChar := firstString(row, charTextKeys)
			start, okStart := firstNumber(row, startKeys)
			end, okEnd := firstNumber(row, endKeys)

			if !okChar || !okStart || !okEnd {
				continue
			}

			out = append(out, core.CharTimestamp{Char: char, Start: start, End: end})
		}
	}

	return out
}

func explodeWords(segments []RawSegment) []core.CharTimestamp {
	out := make([]core.CharTimestamp, 0)

	for _, segment := range segments {
		for _, word := range firstRows(segment, []string{"words"}) {
			wordText, _ := firstString(word, wordTextKeys)
			wordText = strings.TrimSpace(wordText)
			start, okStart := firstNumber(word, []string{"start"})
			end, okEnd := firstNumber(word, []string{"end"})

			if wordText == "" || !okStart || !okEnd || end <= start {
				continue
			}

			runes := []rune(wordText)
			step := (end - start) / float64(len(runes))

			for i, char := range runes {
				out = append(out, core.CharTimestamp{
					Char:  string(char),
					Start: start + float64(i)*step,
					End:   start + float64(i+1)*step,
				})
			}
		}
	}

	return out
}

// fillLeading returns timestamps for the characters of cleanText that precede the
// first aligned character, spread evenly over [0, first.Start].
func fillLeading(cleanText string, chars []core.CharTimestamp) []core.CharTimestamp {
	first := chars[0]
	if first.Start <= 0 {
		return nil
	}

	runes := []rune(cleanText)
	firstRunes := []rune(first.Char)

	if len(firstRunes) == 0 {
		return nil
	}

	missing := 0
	for missing < len(runes) && runes[missing] != firstRunes[0] {
		missing++
	}

	if missing == 0 || missing == len(runes) {
		return nil
	}

	step := first.Start / float64(missing)
	prefix := make([]core.CharTimestamp, 0, missing)

	for i := range missing {
		prefix = append(prefix, core.CharTimestamp{
			Char:  string(runes[i]),
			Start: float64(i) * step,
			End:   float64(i+1) * step,
		})
	}

	return prefix
}

func firstRows(segment map[string]any, keys []string) []map[string]any {
	for _, key := range keys {
		value, ok := segment[key]
		if !ok || value == nil {
			continue
		}

		list, ok := value.([]any)
		if !ok {
			return nil
		}

		rows := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if row, isMap := item.(map[string]any); isMap {
				rows = append(rows, row)
			}
		}

		return rows
	}

	return nil
}

func firstString(row map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if value, ok := row[key].(string); ok && value != "" {
			return value, true
		}
	}

	return "", false
}

// firstNumber returns the first numeric value among keys. A zero is a valid time.
func firstNumber(row map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		if value, ok := row[key].(float64); ok {
			return value, true
		}
	}

	return 0, false
}
