// Package ontology holds the canonical metric definitions that raw labels are
// resolved against. A loaded ontology is an immutable Snapshot; hot reloads
// swap a whole new Snapshot into a Holder.
package ontology

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultOntology []byte

// Format is the encoding of an ontology document.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Document is the top-level ontology file.
type Document struct {
	Version string       `yaml:"version" json:"version" validate:"required"`
	Metrics []Definition `yaml:"metrics" json:"metrics" validate:"required,min=1,dive"`
}

// Definition is one canonical metric as written in an ontology file.
type Definition struct {
	ID              string   `yaml:"id" json:"id" validate:"required,metricid"`
	Category        string   `yaml:"category" json:"category" validate:"required,oneof=income_statement balance_sheet cash_flow ratio growth operational"`
	UnitType        string   `yaml:"unit_type" json:"unit_type" validate:"required,oneof=currency percentage ratio count days"`
	Synonyms        []string `yaml:"synonyms" json:"synonyms" validate:"dive,required"`
	Formula         string   `yaml:"formula,omitempty" json:"formula,omitempty"`
	ValidationRules []string `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty" validate:"dive,required"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	// Representative is the text embedded for semantic matching; defaults to
	// the first synonym.
	Representative string    `yaml:"representative,omitempty" json:"representative,omitempty"`
	BaseMetric     string    `yaml:"base_metric,omitempty" json:"base_metric,omitempty" validate:"omitempty,metricid"`
	Embedding      []float32 `yaml:"embedding,omitempty" json:"embedding,omitempty"`
}

// ValidationError lists every problem found in an ontology document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ontology: %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

var (
	metricIDRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	validate   = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("metricid", func(fl validator.FieldLevel) bool {
		return metricIDRe.MatchString(fl.Field().String())
	})
	return v
}

// Parse decodes an ontology document. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "ontology: parse yaml")
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "ontology: parse json")
		}
	default:
		return nil, eris.Errorf("ontology: unsupported format %q", format)
	}
	return &doc, nil
}

// FormatFromPath picks the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", eris.Errorf("ontology: unknown file extension for %s", path)
	}
}

// LoadFile reads, validates and indexes an ontology file.
func LoadFile(path string) (*Snapshot, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ontology: read %s", path)
	}
	doc, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Default returns the built-in ontology.
func Default() (*Snapshot, error) {
	doc, err := Parse(defaultOntology, FormatYAML)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Load returns the ontology at path, or the built-in one when path is empty.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

// structProblems flattens validator errors into readable problems.
func structProblems(doc *Document) []string {
	err := validate.Struct(doc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s: failed %s=%s (got %q)", fe.Namespace(), fe.Tag(), fe.Param(), fmt.Sprint(fe.Value())))
			continue
		}
		out = append(out, fmt.Sprintf("%s: failed %s (got %q)", fe.Namespace(), fe.Tag(), fmt.Sprint(fe.Value())))
	}
	return out
}
