package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
)

// Extractor reads the text layer of a PDF. Image-only documents come back
// with NeedsOCR set; nothing here attempts OCR.
type Extractor struct {
	minTextLength int
}

func NewExtractor() *Extractor {
	return &Extractor{minTextLength: domain.MinTextLength}
}

func (e *Extractor) Extract(ctx context.Context, data []byte) (content domain.TextContent, err error) {
	if err := ctx.Err(); err != nil {
		return domain.TextContent{}, err
	}
	if len(data) == 0 {
		return domain.TextContent{}, domain.WrapError(domain.ErrParseFailure, "extract pdf text", errors.New("empty file"))
	}

	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			content = domain.TextContent{}
			err = domain.WrapError(domain.ErrParseFailure, "extract pdf text", fmt.Errorf("pdf reader panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.TextContent{}, domain.WrapError(domain.ErrParseFailure, "open pdf", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return domain.TextContent{}, domain.WrapError(domain.ErrParseFailure, "read pdf text", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return domain.TextContent{}, domain.WrapError(domain.ErrParseFailure, "read pdf text", err)
	}

	text := normalizeText(string(raw))
	return domain.TextContent{
		Text:     text,
		Pages:    reader.NumPage(),
		NeedsOCR: e.needsOCR(text),
	}, nil
}

func (e *Extractor) needsOCR(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < e.minTextLength
}

// normalizeText drops invalid UTF-8 and trailing spaces on every line.
func normalizeText(text string) string {
	text = strings.ToValidUTF8(text, "")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
