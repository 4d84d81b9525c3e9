// Package loader reads model documents from YAML files. The decoder in
// internal/model works on nested string-keyed maps; YAML unmarshals map
// keys as interface{}, so everything is normalized on the way in. A model
// directory holds one master document, any number of stage documents, and
// an optional connections document.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/vk/stagegrid/internal/model"
)

// Model is a fully decoded document set, ready for assembly.
type Model struct {
	Master      *model.MasterDoc
	Stages      []*model.StageDoc
	Connections []*model.ConnectionSpec
}

// LoadDocument reads one YAML file into a normalized document.
func LoadDocument(path string) (model.Document, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return ParseDocument(blob)
}

// ParseDocument unmarshals YAML bytes into a normalized document.
func ParseDocument(blob []byte) (model.Document, error) {
	var raw map[any]any
	if err := yaml.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	doc, err := normalizeMap(raw)
	if err != nil {
		return nil, err
	}
	return model.Document(doc), nil
}

// normalize rewrites yaml.v2's map[interface{}]interface{} trees into
// string-keyed maps so the model decoder can walk them.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[any]any:
		return normalizeMap(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return v, nil
}

func normalizeMap(m map[any]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("document key %v is not a string", k)
		}
		n, err := normalize(e)
		if err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, nil
}

// LoadModel reads a model directory: master.yaml, optional
// connections.yaml, and one stage document per remaining .yaml/.yml file.
// Stage order is the sorted file order, so runs are reproducible.
func LoadModel(dir string) (*Model, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read model directory: %w", err)
	}

	var masterPath, connPath string
	var stagePaths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		path := filepath.Join(dir, name)
		switch base {
		case "master":
			masterPath = path
		case "connections":
			connPath = path
		default:
			stagePaths = append(stagePaths, path)
		}
	}
	if masterPath == "" {
		return nil, fmt.Errorf("model directory %q has no master document", dir)
	}
	sort.Strings(stagePaths)

	masterDoc, err := LoadDocument(masterPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", masterPath, err)
	}
	master, err := model.DecodeMaster(masterDoc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", masterPath, err)
	}

	m := &Model{Master: master}
	for _, path := range stagePaths {
		doc, err := LoadDocument(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if n, ok := doc["name"].(string); ok {
			name = n
		}
		stage, err := model.DecodeStage(name, doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m.Stages = append(m.Stages, stage)
	}

	if connPath != "" {
		doc, err := LoadDocument(connPath)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", connPath, err)
		}
		conns, err := model.DecodeConnections(doc["connections"])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", connPath, err)
		}
		m.Connections = conns
	}
	return m, nil
}
