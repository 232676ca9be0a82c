package plans

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"colloquy/internal/session"
)

// Store manages plan IO rooted at one directory.
type Store struct {
	dir string
	now func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	store := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Save writes one document and returns the file name it landed in. The name
// combines the title slug with a session prefix so concurrent sessions never
// collide.
func (s *Store) Save(sessionID string, doc session.Document) (string, error) {
	if !doc.Drafted() {
		return "", fmt.Errorf("plans: document %q has no body", doc.Title)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("plans: ensure directory: %w", err)
	}
	meta := Metadata{
		SessionID:       sessionID,
		Title:           doc.Title,
		Purpose:         doc.Purpose,
		Approved:        doc.Approved,
		RefinementRound: doc.RefinementRound,
		CreatedAt:       s.now(),
	}
	content, err := WriteFrontMatter(meta, []byte(doc.Body))
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.md", slugify(doc.Title), shortID(sessionID))
	if err := os.WriteFile(filepath.Join(s.dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("plans: write %s: %w", name, err)
	}
	return name, nil
}

// SaveAll persists every drafted document of a completed session and returns
// the file names written, in document order.
func (s *Store) SaveAll(sessionID string, docs []session.Document) ([]string, error) {
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		if !doc.Drafted() {
			continue
		}
		name, err := s.Save(sessionID, doc)
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Entry is one saved plan as seen by the listing endpoint.
type Entry struct {
	Name     string   `json:"name"`
	Metadata Metadata `json:"metadata"`
}

// List returns every readable plan in the store, sorted by name. Files
// without valid frontmatter are skipped.
func (s *Store) List() ([]Entry, error) {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plans: read directory: %w", err)
	}
	var entries []Entry
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, item.Name()))
		if err != nil {
			continue
		}
		meta, _, err := ParseFrontMatter(data)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: item.Name(), Metadata: meta})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ErrNotFound indicates the named plan does not exist in the store.
var ErrNotFound = errors.New("plans: not found")

// Load reads one plan by file name. Names carrying path separators are
// rejected; the store only ever serves its own directory.
func (s *Store) Load(name string) (Metadata, []byte, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return Metadata{}, nil, fmt.Errorf("plans: invalid name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, nil, ErrNotFound
		}
		return Metadata{}, nil, fmt.Errorf("plans: read %s: %w", name, err)
	}
	return ParseFrontMatter(data)
}

// slugify lowercases the title and keeps letters, digits, and hyphens.
func slugify(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "plan"
	}
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	return slug
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
