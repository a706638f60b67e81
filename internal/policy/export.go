package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"

	pylon "github.com/eugener/pylon/internal"
)

// Change records an import difference for one key.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is the result of comparing an imported document against stored values.
type Diff struct {
	Added     map[string]any    `json:"added"`
	Modified  map[string]Change `json:"modified"`
	Unchanged map[string]any    `json:"unchanged"`
}

// ExportYAML renders the stored policy as a nested YAML document.
func (s *Service) ExportYAML(ctx context.Context) ([]byte, error) {
	flat, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(nest(flat))
}

// nest converts dotted keys to nested maps.
func nest(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := m[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[part] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}

// flatten converts a nested document to dotted keys. Terminal keys keep
// their structured values instead of being flattened further.
func flatten(nested map[string]any, prefix string, out map[string]any) {
	for key, value := range nested {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if child, isMap := value.(map[string]any); isMap && !terminalKeys[full] {
			flatten(child, full, out)
			continue
		}
		out[full] = value
	}
}

// ParseImport diffs a nested YAML document against the stored values.
func (s *Service) ParseImport(ctx context.Context, doc []byte) (*Diff, error) {
	var imported map[string]any
	if err := yaml.Unmarshal(doc, &imported); err != nil {
		return nil, fmt.Errorf("invalid yaml: %v: %w", err, pylon.ErrBadRequest)
	}
	if imported == nil {
		return nil, fmt.Errorf("yaml must be a mapping: %w", pylon.ErrBadRequest)
	}
	flat := map[string]any{}
	flatten(imported, "", flat)

	current, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	d := &Diff{
		Added:     map[string]any{},
		Modified:  map[string]Change{},
		Unchanged: map[string]any{},
	}
	for key, newValue := range flat {
		oldValue, ok := current[key]
		switch {
		case !ok:
			d.Added[key] = newValue
		case !sameValue(oldValue, newValue):
			d.Modified[key] = Change{Old: oldValue, New: newValue}
		default:
			d.Unchanged[key] = newValue
		}
	}
	return d, nil
}

// sameValue compares two parsed values through their canonical JSON form,
// erasing the int/float split between the YAML and JSON decoders.
func sameValue(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

// ApplyImport persists the added and modified values from a diff.
func (s *Service) ApplyImport(ctx context.Context, d *Diff) error {
	values := make(map[string]any, len(d.Added)+len(d.Modified))
	for key, v := range d.Added {
		values[key] = v
	}
	for key, c := range d.Modified {
		values[key] = c.New
	}
	return s.SetMany(ctx, values)
}
