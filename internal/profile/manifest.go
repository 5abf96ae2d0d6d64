package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelInfo is one entry of the model manifest: where a model's resources
// live and how its inputs are shaped. The scheduler never reads this;
// only backends do, when instantiating models.
type ModelInfo struct {
	Framework   string `yaml:"framework"`
	ModelName   string `yaml:"model_name"`
	Version     uint32 `yaml:"version"`
	Type        string `yaml:"type,omitempty"`
	ModelFile   string `yaml:"model_file,omitempty"`
	ParamsFile  string `yaml:"params_file,omitempty"`
	ClassNames  string `yaml:"class_names,omitempty"`
	Resizable   bool   `yaml:"resizable,omitempty"`
	ImageHeight uint32 `yaml:"image_height,omitempty"`
	ImageWidth  uint32 `yaml:"image_width,omitempty"`
	InputSize   uint32 `yaml:"input_size,omitempty"`
	OutputSize  uint32 `yaml:"output_size,omitempty"`
}

// Manifest is the set of known models, keyed by framework, name, and
// version. Immutable after load.
type Manifest struct {
	models map[string]ModelInfo
}

type manifestFile struct {
	Models []ModelInfo `yaml:"models"`
}

// LoadManifest parses the model database YAML at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model manifest: %w", err)
	}
	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model manifest %s: %w", path, err)
	}
	m := &Manifest{models: make(map[string]ModelInfo, len(file.Models))}
	for _, info := range file.Models {
		if info.Framework == "" || info.ModelName == "" || info.Version == 0 {
			return nil, fmt.Errorf("model manifest %s: entry %s/%s missing framework, model_name, or version",
				path, info.Framework, info.ModelName)
		}
		m.models[manifestKey(info.Framework, info.ModelName, info.Version)] = info
	}
	return m, nil
}

// ModelInfo returns the manifest entry for (framework, name, version).
func (m *Manifest) ModelInfo(framework, modelName string, version uint32) (ModelInfo, bool) {
	info, ok := m.models[manifestKey(framework, modelName, version)]
	return info, ok
}

// Len returns the number of manifest entries.
func (m *Manifest) Len() int { return len(m.models) }

func manifestKey(framework, modelName string, version uint32) string {
	return fmt.Sprintf("%s:%s:%d", framework, modelName, version)
}
