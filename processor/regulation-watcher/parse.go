package regulationwatcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/specpatch/spec"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor HTML.
var ErrUnsupportedFormat = errors.New("unsupported regulation file format")

// Parser turns regulation files into regulations.
type Parser struct {
	converter *Converter
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{converter: NewConverter()}
}

// Parse reads one file. YAML files may hold several regulations as separate
// documents; HTML pages hold one, described by regulation:* meta tags.
func (p *Parser) Parse(path string, data []byte) ([]spec.Regulation, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	case ".html", ".htm":
		reg, err := p.parseHTML(data)
		if err != nil {
			return nil, err
		}
		return []spec.Regulation{reg}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func parseYAML(data []byte) ([]spec.Regulation, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var regs []spec.Regulation
	for i := 0; ; i++ {
		var reg spec.Regulation
		err := dec.Decode(&reg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		reg = normalize(reg)
		if err := reg.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		regs = append(regs, reg)
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("no regulations in file")
	}
	return regs, nil
}

func (p *Parser) parseHTML(data []byte) (spec.Regulation, error) {
	page, err := p.converter.Convert(data)
	if err != nil {
		return spec.Regulation{}, fmt.Errorf("convert html: %w", err)
	}
	reg := normalize(spec.Regulation{
		Framework:    page.Meta["framework"],
		Article:      page.Meta["article"],
		Title:        page.Meta["title"],
		Jurisdiction: page.Meta["jurisdiction"],
		Severity:     page.Meta["severity"],
		Content:      page.Markdown,
	})
	if reg.Title == "" {
		reg.Title = page.Title
	}
	if err := reg.Validate(); err != nil {
		return spec.Regulation{}, err
	}
	return reg, nil
}

func normalize(r spec.Regulation) spec.Regulation {
	r.Framework = strings.TrimSpace(r.Framework)
	r.Article = strings.TrimSpace(r.Article)
	r.Title = strings.TrimSpace(r.Title)
	r.Jurisdiction = strings.TrimSpace(r.Jurisdiction)
	r.Severity = strings.ToLower(strings.TrimSpace(r.Severity))
	r.Content = strings.TrimSpace(r.Content)
	return r
}
