package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json
// for JSON. If the extension is unrecognized, YAML is attempted first,
// then JSON. Unknown fields are rejected in both formats.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a manifest from an io.Reader. The
// path parameter is used only for error messages and format detection.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest from raw bytes.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	m, err := parse(data, path)
	if err != nil {
		return nil, err
	}

	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("manifest validation failed: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.ApplyDefaults()

	// Type is optional per entry only when defaults provide it, which
	// struct tags cannot express.
	seen := make(map[string]struct{}, len(m.Jobs))
	for _, job := range m.Jobs {
		if job.Type == "" {
			return nil, fmt.Errorf("job %q has no type and the manifest declares no default type", job.ID)
		}
		if _, dup := seen[job.ID]; dup {
			return nil, fmt.Errorf("duplicate job id in manifest: %q", job.ID)
		}
		seen[job.ID] = struct{}{}
	}

	return m, nil
}

func parse(data []byte, path string) (*Manifest, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	case ".json":
		return parseJSON(data)
	default:
		m, yerr := parseYAML(data)
		if yerr == nil {
			return m, nil
		}
		m, jerr := parseJSON(data)
		if jerr == nil {
			return m, nil
		}
		return nil, fmt.Errorf("manifest is neither valid YAML (%v) nor valid JSON (%v)", yerr, jerr)
	}
}

func parseYAML(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse YAML manifest: %w", err)
	}
	return &m, nil
}

func parseJSON(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse JSON manifest: %w", err)
	}
	return &m, nil
}
