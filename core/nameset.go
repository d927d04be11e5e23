package core

// NameSet is an ordered set of names. A nil NameSet means "not configured",
// which callers must keep distinct from an empty, non-nil set.
type NameSet []string

// NewNameSet builds a NameSet from names, dropping empty strings and duplicates
// while keeping first-seen order. The result is never nil.
func NewNameSet(names ...string) NameSet {
	s := make(NameSet, 0, len(names))
	for _, n := range names {
		s = s.Add(n)
	}
	return s
}

// Has reports whether name is a member.
func (s NameSet) Has(name string) bool {
	for _, n := range s {
		if n == name {
			return true
		}
	}
	return false
}

// Add returns s with name appended when absent.
func (s NameSet) Add(name string) NameSet {
	if name == "" || s.Has(name) {
		return s
	}
	return append(s, name)
}

// Union returns a new set with the members of s followed by the new members of o.
func (s NameSet) Union(o NameSet) NameSet {
	out := NewNameSet(s...)
	for _, n := range o {
		out = out.Add(n)
	}
	return out
}

// Clone returns a copy of s that preserves nil.
func (s NameSet) Clone() NameSet {
	if s == nil {
		return nil
	}
	out := make(NameSet, len(s))
	copy(out, s)
	return out
}
