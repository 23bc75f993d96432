package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

const (
	MimePDF  = "application/pdf"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// maxExtractBytes bounds how much of a file is read for extraction.
const maxExtractBytes = 32 << 20

// ErrUnsupportedType is returned for content the extractor cannot read.
var ErrUnsupportedType = errors.New("unsupported content type for text extraction")

// ContentTypeFor guesses a content type from the file name when none was
// supplied.
func ContentTypeFor(filename, contentType string) string {
	if contentType != "" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return MimePDF
	case ".xlsx":
		return MimeXLSX
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ExtractText returns the plain-text form of a stored document. Text files
// are returned as is; PDFs are read page by page and spreadsheets sheet by
// sheet with tab-separated cells.
func ExtractText(contentType string, r io.Reader) (string, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}

	data, err := io.ReadAll(io.LimitReader(r, maxExtractBytes))
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}

	switch {
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		return strings.TrimSpace(string(data)), nil
	case mt == MimePDF:
		return pdfText(data)
	case mt == MimeXLSX:
		return sheetText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
}

func pdfText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	pages := make([]string, 0, doc.NumPage())
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func sheetText(data []byte) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer book.Close()

	var sb strings.Builder
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "# %s\n", sheet)
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// BuildSheet renders rows into a single-sheet xlsx workbook.
func BuildSheet(sheet string, rows [][]any) ([]byte, error) {
	if sheet == "" {
		sheet = "Sheet1"
	}
	book := excelize.NewFile()
	defer book.Close()

	if sheet != "Sheet1" {
		if err := book.SetSheetName("Sheet1", sheet); err != nil {
			return nil, fmt.Errorf("name sheet: %w", err)
		}
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		values := row
		if err := book.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := book.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
