package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"

	"vessel/internal/logging"
)

// Store persists snapshot documents, one JSON file per named state.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates a store rooted at dir on the host filesystem.
func NewStore(dir string) (*Store, error) {
	return NewStoreFs(afero.NewOsFs(), dir)
}

// NewStoreFs creates a store on an arbitrary filesystem. Tests use an
// in-memory one.
func NewStoreFs(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// validName rejects names that could escape the state directory or collide
// with the file extension scheme.
func validName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid state name %q: use letters, digits, '.', '_', '-'", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid state name %q", name)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save validates and writes a document under its name, replacing any
// previous state with that name.
func (s *Store) Save(doc *Document) error {
	if err := validName(doc.Name); err != nil {
		return err
	}
	if doc.Version == 0 {
		doc.Version = Version
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state %q: %w", doc.Name, err)
	}
	if err := Validate(data); err != nil {
		return fmt.Errorf("state %q: %w", doc.Name, err)
	}
	if err := afero.WriteFile(s.fs, s.path(doc.Name), data, 0o644); err != nil {
		return fmt.Errorf("write state %q: %w", doc.Name, err)
	}
	logging.Debug("Saved state %q (%d functions, %d variables)", doc.Name, len(doc.Functions), len(doc.Variables))
	return nil
}

// Load reads and validates a named document.
func (s *Store) Load(name string) (*Document, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state %q not found", name)
		}
		return nil, fmt.Errorf("read state %q: %w", name, err)
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("state %q: %w", name, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", name, err)
	}
	if doc.Version > Version {
		return nil, fmt.Errorf("state %q has format version %d, newer than supported %d", name, doc.Version, Version)
	}
	return &doc, nil
}

// List returns the names of all saved states, sorted.
func (s *Store) List() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(info.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a named state.
func (s *Store) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := s.fs.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("state %q not found", name)
		}
		return fmt.Errorf("delete state %q: %w", name, err)
	}
	return nil
}

// documentSchema is the structural contract of the on-disk format. Validated
// on both save and load, so a hand-edited or corrupted file fails fast
// instead of restoring a half-broken session.
const documentSchema = `{
	"type": "object",
	"required": ["version", "name", "created_at"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"name": {"type": "string", "minLength": 1},
		"created_at": {"type": "string"},
		"functions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "source"],
				"properties": {
					"name": {"type": "string"},
					"source": {"type": "string"},
					"signature": {"type": "string"},
					"docstring": {"type": "string"}
				}
			}
		},
		"variables": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"enum": ["json", "repr"]}
				}
			}
		},
		"history": {"type": "array", "items": {"type": "string"}},
		"capabilities": {"type": "object"},
		"backends": {"type": "object", "additionalProperties": {"type": "string"}},
		"unsaved": {"type": "array", "items": {"type": "string"}}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Validate checks raw document bytes against the format schema.
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate state document: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid state document: %s", strings.Join(msgs, "; "))
	}
	return nil
}
