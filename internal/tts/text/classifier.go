package text

import (
	"github.com/pemistahl/lingua-go"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Scores holds a confidence value per supported language.
type Scores map[core.Language]float64

// Classifier scores a run of text against the supported languages.
type Classifier interface {
	Scores(text string) Scores
}

// LinguaClassifier scores text with a lingua detector restricted to Chinese, Japanese and English.
type LinguaClassifier struct {
	detector lingua.LanguageDetector
}

// NewLinguaClassifier builds the detector. Low accuracy mode trades precision on
// long inputs for speed; runs handed to it are short script-homogeneous chunks.
func NewLinguaClassifier() *LinguaClassifier {
	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(lingua.Chinese, lingua.Japanese, lingua.English).
		WithLowAccuracyMode().
		Build()

	return &LinguaClassifier{detector: detector}
}

// Scores returns lingua's confidence values mapped onto pipeline language codes.
func (c *LinguaClassifier) Scores(text string) Scores {
	scores := Scores{}

	for _, value := range c.detector.ComputeLanguageConfidenceValues(text) {
		switch value.Language() {
		case lingua.Chinese:
			scores[core.LanguageChinese] = value.Value()
		case lingua.Japanese:
			scores[core.LanguageJapanese] = value.Value()
		case lingua.English:
			scores[core.LanguageEnglish] = value.Value()
		default:
		}
	}

	return scores
}

// best picks the highest scoring language. Ties resolve in zh, ja, en order and
// a run without any signal scores evenly, which falls back to zh.
func (s Scores) best() core.Language {
	bestLang := core.LanguageChinese
	bestScore := -1.0

	for _, lang := range core.SupportedLanguages {
		score := s[lang]
		if score > bestScore {
			bestLang, bestScore = lang, score
		}
	}

	return bestLang
}
