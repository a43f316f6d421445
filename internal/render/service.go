package render

import (
	"context"
	"fmt"
	"html/template"
)

type Service struct {
	chromeURL  string
	pandocPath string
}

// NewService configures the external renderers. An empty pandocPath uses pandoc from PATH.
func NewService(chromeURL, pandocPath string) *Service {
	if pandocPath == "" {
		pandocPath = "pandoc"
	}
	return &Service{chromeURL: chromeURL, pandocPath: pandocPath}
}

// Page renders a standalone HTML page for the editor tree. The embed endpoint serves it as is.
func (s *Service) Page(req Request) (string, error) {
	fragment, err := EditorToHTML(req.Data)
	if err != nil {
		return "", err
	}
	page, err := RenderPage(TemplateData{
		Title:       req.Title,
		Author:      req.Author,
		UpdatedAt:   req.UpdatedAt,
		ContentHTML: template.HTML(fragment),
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return page, nil
}

// Export renders the document in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	page, err := s.Page(req)
	if err != nil {
		return nil, err
	}
	name := sanitizeFilename(req.Title)

	switch req.Format {
	case FormatHTML, "":
		return &Result{Data: []byte(page), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := renderPDF(ctx, s.chromeURL, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := renderDOCX(ctx, s.pandocPath, page)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: name + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
