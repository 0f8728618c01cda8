package environ

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// revisionHeader is the comment line Save prepends to the environment
// file so the revision counter survives restarts. The document body stays
// a flat key/value map; a file without the header loads at revision 1.
const revisionHeader = "# cascade:revision="

// Load reads a flat YAML key/value document into a new store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}
	store, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("environment file %s: %w", path, err)
	}
	return store, nil
}

// Parse builds a store from the bytes of a flat YAML key/value document.
// Scalar values are normalized to their string form; nested mappings and
// sequences are rejected.
func Parse(data []byte) (*Store, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse environment YAML: %w", err)
	}

	values := make(map[string]string, len(raw))
	for key, v := range raw {
		value, err := scalarString(v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		values[key] = value
	}

	return &Store{
		values:   values,
		revision: parseRevision(data),
	}, nil
}

// Save writes the store's current values as a flat YAML document with the
// revision header. The file may hold secret references, so it is written
// owner-readable only.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	revision := s.revision
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	s.mu.RUnlock()

	body, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode environment YAML: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(revisionHeader)
	buf.WriteString(strconv.FormatUint(revision, 10))
	buf.WriteByte('\n')
	buf.Write(body)

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}
	return nil
}

// parseRevision extracts the revision from the header comment. Files
// without one, including hand-written ones, start at revision 1.
func parseRevision(data []byte) uint64 {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if strings.HasPrefix(line, revisionHeader) {
			revision, err := strconv.ParseUint(strings.TrimPrefix(line, revisionHeader), 10, 64)
			if err == nil && revision > 0 {
				return revision
			}
			break
		}
	}
	return 1
}

// scalarString normalizes a YAML scalar to its string form.
func scalarString(v interface{}) (string, error) {
	switch value := v.(type) {
	case string:
		return value, nil
	case bool:
		return strconv.FormatBool(value), nil
	case int:
		return strconv.Itoa(value), nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	case uint64:
		return strconv.FormatUint(value, 10), nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", v)
	}
}
