// Package recipe loads RTDE recipes: ordered (field name, field type) lists
// that fix the shape of the state frames read from the controller and of the
// setpoint frames written back to it.
//
// Two file formats are accepted. The Universal Robots XML format
//
//	<rtde_config>
//	  <recipe key="state">
//	    <field name="timestamp" type="DOUBLE"/>
//	  </recipe>
//	</rtde_config>
//
// and an equivalent YAML document:
//
//	recipes:
//	  - key: state
//	    fields:
//	      - {name: timestamp, type: DOUBLE}
package recipe

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/rtdebridge/internal/errors"
)

// Field types understood by the controller.
const (
	TypeBool          = "BOOL"
	TypeUint8         = "UINT8"
	TypeUint32        = "UINT32"
	TypeUint64        = "UINT64"
	TypeInt32         = "INT32"
	TypeDouble        = "DOUBLE"
	TypeVector3D      = "VECTOR3D"
	TypeVector6D      = "VECTOR6D"
	TypeVector6Int32  = "VECTOR6INT32"
	TypeVector6Uint32 = "VECTOR6UINT32"
)

var knownTypes = map[string]bool{
	TypeBool:          true,
	TypeUint8:         true,
	TypeUint32:        true,
	TypeUint64:        true,
	TypeInt32:         true,
	TypeDouble:        true,
	TypeVector3D:      true,
	TypeVector6D:      true,
	TypeVector6Int32:  true,
	TypeVector6Uint32: true,
}

// IsKnownType reports whether typ is a field type the controller can exchange.
func IsKnownType(typ string) bool {
	return knownTypes[typ]
}

// Field is one named, typed entry of a recipe.
type Field struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// Recipe is an ordered field list identified by a key.
type Recipe struct {
	Key    string  `yaml:"key" json:"key"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Names returns the field names in recipe order.
func (r Recipe) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// Types returns the field types in recipe order.
func (r Recipe) Types() []string {
	types := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		types[i] = f.Type
	}
	return types
}

// Index returns the position of the named field, or -1.
func (r Recipe) Index(name string) int {
	for i, f := range r.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that the recipe is non-empty, has unique field names and
// uses only known field types.
func (r Recipe) Validate() error {
	if len(r.Fields) == 0 {
		return errors.NewConfigError(errors.ErrCodeRecipeInvalid,
			fmt.Sprintf("recipe %q has no fields", r.Key))
	}

	seen := make(map[string]bool, len(r.Fields))
	for _, f := range r.Fields {
		if f.Name == "" {
			return errors.NewConfigError(errors.ErrCodeRecipeInvalid,
				fmt.Sprintf("recipe %q has a field without a name", r.Key))
		}
		if seen[f.Name] {
			return errors.NewConfigError(errors.ErrCodeRecipeInvalid,
				fmt.Sprintf("recipe %q lists field %q twice", r.Key, f.Name))
		}
		seen[f.Name] = true
		if !IsKnownType(f.Type) {
			return errors.NewConfigError(errors.ErrCodeRecipeInvalid,
				fmt.Sprintf("recipe %q field %q has unknown type %q", r.Key, f.Name, f.Type))
		}
	}
	return nil
}

// Source supplies recipes by key.
type Source interface {
	LoadRecipe(name string) (Recipe, error)
}

// FileSource is a Source backed by a parsed recipe file.
type FileSource struct {
	path    string
	recipes []Recipe
}

// LoadFile reads and validates a recipe file. Files ending in .yml or .yaml
// are parsed as YAML, everything else as XML.
func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeRecipeNotFound,
			"cannot open recipe file "+path).WithCause(err)
	}
	defer f.Close()

	var recipes []Recipe
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		recipes, err = ParseYAML(f)
	default:
		recipes, err = ParseXML(f)
	}
	if err != nil {
		return nil, err
	}

	return &FileSource{path: path, recipes: recipes}, nil
}

// NewSource builds a Source from recipes already in memory.
func NewSource(recipes ...Recipe) *FileSource {
	return &FileSource{recipes: recipes}
}

// LoadRecipe returns the recipe with the given key.
func (s *FileSource) LoadRecipe(name string) (Recipe, error) {
	for _, r := range s.recipes {
		if r.Key == name {
			return r, nil
		}
	}
	return Recipe{}, errors.NewConfigError(errors.ErrCodeRecipeNotFound,
		fmt.Sprintf("recipe %q not found", name)).WithContext("file", s.path)
}

// Recipes returns every recipe in file order.
func (s *FileSource) Recipes() []Recipe {
	out := make([]Recipe, len(s.recipes))
	copy(out, s.recipes)
	return out
}

// Path returns the file the source was loaded from.
func (s *FileSource) Path() string {
	return s.path
}

type xmlConfig struct {
	XMLName xml.Name    `xml:"rtde_config"`
	Recipes []xmlRecipe `xml:"recipe"`
}

type xmlRecipe struct {
	Key    string     `xml:"key,attr"`
	Fields []xmlField `xml:"field"`
}

type xmlField struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

// ParseXML parses a Universal Robots rtde_config document.
func ParseXML(r io.Reader) ([]Recipe, error) {
	var doc xmlConfig
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid,
			"malformed recipe XML").WithCause(err)
	}

	recipes := make([]Recipe, 0, len(doc.Recipes))
	for _, xr := range doc.Recipes {
		rec := Recipe{Key: xr.Key, Fields: make([]Field, 0, len(xr.Fields))}
		for _, xf := range xr.Fields {
			rec.Fields = append(rec.Fields, Field{Name: xf.Name, Type: xf.Type})
		}
		recipes = append(recipes, rec)
	}
	return checkAll(recipes)
}

// ParseYAML parses the YAML recipe form.
func ParseYAML(r io.Reader) ([]Recipe, error) {
	var doc struct {
		Recipes []Recipe `yaml:"recipes"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid,
			"malformed recipe YAML").WithCause(err)
	}
	return checkAll(doc.Recipes)
}

func checkAll(recipes []Recipe) ([]Recipe, error) {
	if len(recipes) == 0 {
		return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid, "recipe file defines no recipes")
	}
	keys := make(map[string]bool, len(recipes))
	for _, r := range recipes {
		if r.Key == "" {
			return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid, "recipe without a key")
		}
		if keys[r.Key] {
			return nil, errors.NewConfigError(errors.ErrCodeRecipeInvalid,
				fmt.Sprintf("recipe key %q defined twice", r.Key))
		}
		keys[r.Key] = true
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return recipes, nil
}
