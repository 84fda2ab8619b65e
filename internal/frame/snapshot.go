package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Field is one named value of a snapshot.
type Field struct {
	Name  string
	Value interface{}
}

// Snapshot is one state frame read from the controller. Fields keep the
// order of the state recipe. A snapshot is not modified after creation.
type Snapshot struct {
	recipeID uint8
	fields   []Field
}

// NewSnapshot creates a snapshot owning fields.
func NewSnapshot(recipeID uint8, fields []Field) *Snapshot {
	return &Snapshot{recipeID: recipeID, fields: fields}
}

// FromPairs builds a snapshot from alternating name/value arguments.
// It panics on a non-string name; it is meant for tests and fixtures.
func FromPairs(kv ...interface{}) *Snapshot {
	fields := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, Field{Name: kv[i].(string), Value: kv[i+1]})
	}
	return NewSnapshot(0, fields)
}

// RecipeID returns the output recipe id the controller tagged the frame with.
func (s *Snapshot) RecipeID() uint8 {
	return s.recipeID
}

// Len returns the number of fields.
func (s *Snapshot) Len() int {
	return len(s.fields)
}

// Get returns the value of the named field.
func (s *Snapshot) Get(name string) (interface{}, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// IsPrivate reports whether a field name is excluded from serialisation.
func IsPrivate(name string) bool {
	return strings.HasPrefix(name, "_")
}

// MarshalJSON encodes the public fields as an ordered JSON object with
// normalised values.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, f := range s.fields {
		if IsPrivate(f.Name) {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := json.Marshal(Normalize(f.Value))
		if err != nil {
			// Normalize only yields JSON-representable values.
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode is the wire form sent to network clients.
func (s *Snapshot) Encode() ([]byte, error) {
	return s.MarshalJSON()
}
