package endpoint

import "fmt"

// Set is an ordered, duplicate-free list of descriptors.
type Set []Descriptor

// NewSet validates every descriptor and rejects duplicate names.
func NewSet(descriptors []Descriptor) (Set, error) {
	seen := make(map[string]struct{}, len(descriptors))
	set := make(Set, 0, len(descriptors))

	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[d.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate endpoint name %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = struct{}{}
		set = append(set, d)
	}

	return set, nil
}

func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for _, d := range s {
		names = append(names, d.Name)
	}
	return names
}

// Find returns the descriptor with the given name.
func (s Set) Find(name string) (Descriptor, bool) {
	for _, d := range s {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// LowVariance returns the descriptors tagged as producing stable output.
func (s Set) LowVariance() Set {
	var out Set
	for _, d := range s {
		if d.LowVariance {
			out = append(out, d)
		}
	}
	return out
}

// MinSizeClass returns the smallest size class among the descriptors, or 0 for an empty set.
func (s Set) MinSizeClass() int {
	smallest := 0
	for i, d := range s {
		if i == 0 || d.SizeClass() < smallest {
			smallest = d.SizeClass()
		}
	}
	return smallest
}
