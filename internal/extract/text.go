package extract

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TextExtractor reads plain text. A UTF-8 or UTF-16 byte order mark selects
// the encoding; without one the content is taken as UTF-8. Invalid byte
// sequences are dropped rather than failing the extraction.
type TextExtractor struct{}

// NewTextExtractor creates a plain-text extractor.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (e *TextExtractor) Extract(content []byte) (string, error) {
	decoded, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	text := strings.ToValidUTF8(string(decoded), "")
	return norm.NFC.String(text), nil
}
