package filter

import (
	"encoding/json"
	"fmt"

	"nostrswarm.dev/pkg/encoders/timestamp"
)

func tsFromInt64(i int64) timestamp.T { return timestamp.FromUnix(i) }

// wireJSON is the NIP-01 filter object shape: single-letter tag filters
// appear as "#e", "#p", etc. keys alongside the named attributes.
type wireJSON struct {
	Ids     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []uint16 `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// MarshalJSON renders f as a NIP-01 filter object.
func (f *F) MarshalJSON() ([]byte, error) {
	w := wireJSON{
		Ids:     f.Ids,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Limit:   f.Limit,
	}
	if f.Since != nil {
		v := f.Since.I64()
		w.Since = &v
	}
	if f.Until != nil {
		v := f.Until.I64()
		w.Until = &v
	}
	base, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}
	// splice in "#x": [...] entries alongside the named fields.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		vb, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		m["#"+name] = vb
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses a NIP-01 filter object, including any "#x" tag
// filter keys.
func (f *F) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("filter: unmarshal: %w", err)
	}
	*f = F{Tags: map[string][]string{}}
	if v, ok := m["ids"]; ok {
		if err := json.Unmarshal(v, &f.Ids); err != nil {
			return err
		}
	}
	if v, ok := m["authors"]; ok {
		if err := json.Unmarshal(v, &f.Authors); err != nil {
			return err
		}
	}
	if v, ok := m["kinds"]; ok {
		if err := json.Unmarshal(v, &f.Kinds); err != nil {
			return err
		}
	}
	if v, ok := m["since"]; ok {
		var i int64
		if err := json.Unmarshal(v, &i); err != nil {
			return err
		}
		ts := tsFromInt64(i)
		f.Since = &ts
	}
	if v, ok := m["until"]; ok {
		var i int64
		if err := json.Unmarshal(v, &i); err != nil {
			return err
		}
		ts := tsFromInt64(i)
		f.Until = &ts
	}
	if v, ok := m["limit"]; ok {
		if err := json.Unmarshal(v, &f.Limit); err != nil {
			return err
		}
	}
	for k, v := range m {
		if len(k) == 2 && k[0] == '#' {
			var values []string
			if err := json.Unmarshal(v, &values); err != nil {
				return err
			}
			f.Tags[k[1:]] = values
		}
	}
	return nil
}
