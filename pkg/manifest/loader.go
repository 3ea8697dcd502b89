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

	"gopkg.in/yaml.v3"
)

// Load reads a manifest file, validates it and applies defaults.
//
// The format follows the extension: .yaml/.yml for YAML, .json for JSON.
// Any other extension is tried as YAML, then JSON.
func Load(path string, opts ...LoadOption) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return LoadFromBytes(data, path, opts...)
}

// LoadFromReader reads a manifest from r. path is only used for format
// detection and may be empty.
func LoadFromReader(r io.Reader, path string, opts ...LoadOption) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path, opts...)
}

// LoadFromBytes parses raw manifest bytes.
//
// The raw document is schema-validated before it is decoded into the typed
// struct so unknown fields are rejected rather than silently dropped. Job
// graph checks run after defaults are applied.
func LoadFromBytes(data []byte, path string, opts ...LoadOption) (*Manifest, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	// Keeps integer inputs exact when they are staged for workers.
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if lo.fallback != nil {
		m.applyFallback(*lo.fallback)
	}
	m.ApplyDefaults()
	if err := Check(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

type loadOptions struct {
	fallback *Fallback
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithFallback fills fields the manifest leaves empty before it is checked.
func WithFallback(f Fallback) LoadOption {
	return func(o *loadOptions) { o.fallback = &f }
}

// toJSON normalizes the document to JSON.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		// YAML is a superset of JSON.
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		if json.Valid(data) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return jsonData, nil
}
