// Package tag provides the nostr tag type: an ordered sequence of
// strings whose first element is the tag name and whose remaining
// elements are its values.
package tag

// T is a single tag. By convention T[0] is the tag name (usually one
// letter) and T[1:] are its values.
type T []string

// New builds a tag from its elements.
func New(elements ...string) T { return T(elements) }

// Key returns the tag name, or "" if the tag is empty.
func (t T) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's first value (T[1]), or "" if absent.
func (t T) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Values returns every value after the tag name.
func (t T) Values() []string {
	if len(t) < 2 {
		return nil
	}
	return t[1:]
}

// MatchesAny reports whether the tag's key equals name and at least one
// of its values is in the accepted set.
func (t T) MatchesAny(name string, accepted map[string]struct{}) bool {
	if t.Key() != name {
		return false
	}
	for _, v := range t.Values() {
		if _, ok := accepted[v]; ok {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the tag.
func (t T) Clone() T {
	c := make(T, len(t))
	copy(c, t)
	return c
}

// Tags is an ordered list of tags.
type Tags []T

// NewTags builds a Tags list from existing tags.
func NewTags(tags ...T) Tags { return Tags(tags) }

// FromStringSlices converts a [][]string (the wire JSON shape) into Tags.
func FromStringSlices(s [][]string) Tags {
	if s == nil {
		return nil
	}
	out := make(Tags, len(s))
	for i, e := range s {
		out[i] = T(e)
	}
	return out
}

// ToStringSlices converts Tags back into the wire JSON shape.
func (tg Tags) ToStringSlices() [][]string {
	if tg == nil {
		return [][]string{}
	}
	out := make([][]string, len(tg))
	for i, t := range tg {
		out[i] = []string(t)
	}
	return out
}

// GetFirst returns the first tag whose key matches name, and whether one
// was found.
func (tg Tags) GetFirst(name string) (T, bool) {
	for _, t := range tg {
		if t.Key() == name {
			return t, true
		}
	}
	return nil, false
}

// ValuesForKey collects the first value of every tag whose key matches
// name.
func (tg Tags) ValuesForKey(name string) []string {
	var out []string
	for _, t := range tg {
		if t.Key() == name && len(t) > 1 {
			out = append(out, t[1])
		}
	}
	return out
}

// Clone returns a deep copy of the tag list.
func (tg Tags) Clone() Tags {
	c := make(Tags, len(tg))
	for i, t := range tg {
		c[i] = t.Clone()
	}
	return c
}
