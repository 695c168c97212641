package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestNames lists the accepted manifest file names in lookup order.
var ManifestNames = []string{"manifest.yml", "manifest.yaml"}

// ErrManifestMissing is returned when a module directory has no manifest.
var ErrManifestMissing = errors.New("plugin: manifest not found")

// Manifest is the metadata block every module ships.
type Manifest struct {
	Author  string `yaml:"Author" validate:"required"`
	Version string `yaml:"Version" validate:"required"`
	Name    string `yaml:"Module Name" validate:"required"`
	Notes   string `yaml:"Notes" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return yamlName(field.Tag.Get("yaml"), field.Name)
	})
}

// ParseManifest decodes and validates a manifest payload.
func ParseManifest(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("plugin: manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("plugin: decode manifest: %w", err)
	}
	m = m.normalized()
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fe.Field())
			}
			return Manifest{}, fmt.Errorf("plugin: manifest is missing required fields: %s", strings.Join(missing, ", "))
		}
		return Manifest{}, fmt.Errorf("plugin: validate manifest: %w", err)
	}
	return m, nil
}

// LoadManifest finds and parses the manifest of a module directory.
func LoadManifest(dir string) (Manifest, string, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Manifest{}, "", fmt.Errorf("plugin: read %s: %w", path, err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return Manifest{}, path, fmt.Errorf("%w (%s)", err, path)
		}
		return m, path, nil
	}
	return Manifest{}, "", fmt.Errorf("%w in %s", ErrManifestMissing, dir)
}

func (m Manifest) normalized() Manifest {
	return Manifest{
		Author:  strings.TrimSpace(m.Author),
		Version: strings.TrimSpace(m.Version),
		Name:    strings.TrimSpace(m.Name),
		Notes:   strings.TrimSpace(m.Notes),
	}
}

func yamlName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return fallback
	}
	return name
}
