// Package render turns stored editor trees into HTML, PDF and DOCX.
package render

import (
	"encoding/json"
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request carries one document snapshot to render.
type Request struct {
	Title     string
	Author    string
	UpdatedAt time.Time
	Data      json.RawMessage
	Format    Format
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrInvalidDocument means the editor tree could not be parsed.
	ErrInvalidDocument       = errors.New("invalid editor document")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
