package text

import (
	"regexp"
	"strings"
)

const whitespaceRegexPattern = `\s+`

var whitespacePattern = regexp.MustCompile(whitespaceRegexPattern)

// CollapseWhitespace trims text and folds every whitespace run into a single space.
func CollapseWhitespace(text string) string {
	return whitespacePattern.ReplaceAllString(strings.TrimSpace(text), " ")
}
