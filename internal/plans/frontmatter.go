// Package plans persists generated documents as markdown files with YAML
// frontmatter under the workspace plans directory, and reads them back for
// the listing endpoints.
package plans

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("plans: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("plans: malformed frontmatter")
)

// Metadata is the provenance block stored at the top of every saved plan.
type Metadata struct {
	SessionID       string    `json:"session_id"`
	Title           string    `json:"title"`
	Purpose         string    `json:"purpose,omitempty"`
	Approved        bool      `json:"approved"`
	RefinementRound int       `json:"refinement_rounds"`
	CreatedAt       time.Time `json:"created_at"`
}

type colloquyEnvelope struct {
	Colloquy colloquyMetadata `yaml:"colloquy"`
}

type colloquyMetadata struct {
	Session    string `yaml:"session"`
	Title      string `yaml:"title"`
	Purpose    string `yaml:"purpose,omitempty"`
	Approved   bool   `yaml:"approved"`
	Refinement int    `yaml:"refinement_rounds"`
	Created    string `yaml:"created"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.SessionID == "" || meta.Title == "" {
		return nil, fmt.Errorf("plans: metadata missing session or title")
	}
	envelope := colloquyEnvelope{colloquyMetadata{
		Session:    meta.SessionID,
		Title:      meta.Title,
		Purpose:    meta.Purpose,
		Approved:   meta.Approved,
		Refinement: meta.RefinementRound,
		Created:    meta.CreatedAt.UTC().Format(timeLayout),
	}}
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("plans: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var envelope colloquyEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("plans: parse frontmatter: %w", err)
	}
	if envelope.Colloquy.Session == "" || envelope.Colloquy.Title == "" {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	created, err := parseTime(envelope.Colloquy.Created)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("plans: parse created timestamp: %w", err)
	}
	meta := Metadata{
		SessionID:       envelope.Colloquy.Session,
		Title:           envelope.Colloquy.Title,
		Purpose:         envelope.Colloquy.Purpose,
		Approved:        envelope.Colloquy.Approved,
		RefinementRound: envelope.Colloquy.Refinement,
		CreatedAt:       created,
	}
	return meta, bytes.TrimLeft(parts[1], "\n"), nil
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("plans: empty created timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
