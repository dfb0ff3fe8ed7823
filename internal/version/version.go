// Package version compares package versions using semantic-version rules.
package version

import (
	"fmt"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Parse parses v, tolerating a leading "v".
func Parse(v string) (*goversion.Version, error) {
	parsed, err := goversion.NewVersion(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", v, err)
	}
	return parsed, nil
}

// Compare returns -1, 0 or 1 as a is older than, equal to or newer than b.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// Newer reports whether candidate is strictly greater than current. An empty
// current version means nothing is installed, so any valid candidate is newer.
func Newer(candidate, current string) (bool, error) {
	if current == "" {
		_, err := Parse(candidate)
		return err == nil, err
	}
	c, err := Compare(candidate, current)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// Satisfies reports whether v meets constraint (e.g. ">= 1.2, < 2.0").
// An empty constraint matches any version.
func Satisfies(v, constraint string) (bool, error) {
	parsed, err := Parse(v)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(constraint) == "" {
		return true, nil
	}
	cs, err := goversion.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid constraint %q: %w", constraint, err)
	}
	return cs.Check(parsed), nil
}

// SortNewestFirst orders versions descending. Unparseable entries sort last
// in their original relative order.
func SortNewestFirst[T any](items []T, versionOf func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		vi, erri := Parse(versionOf(items[i]))
		vj, errj := Parse(versionOf(items[j]))
		switch {
		case erri != nil:
			return false
		case errj != nil:
			return true
		}
		return vi.GreaterThan(vj)
	})
}
