// Package semver parses agent type references and resolves them against the
// versions registered in a catalog.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// TypeRef is a parsed agent type reference such as "demo.counter@^1.2.0".
type TypeRef struct {
	// Name of the agent type (e.g., "demo.counter")
	Name string
	// Version range if specified (e.g., "^1.2.0", "1", "1.2.3"); empty means latest
	Range string
	// Raw input string
	Raw string
}

var (
	typeNameRegex     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseTypeRef parses an agent type reference.
//
// Supported formats:
//   - demo.counter           (latest)
//   - demo.counter@1         (major only)
//   - demo.counter@1.2.3     (exact version, same-major fallback)
//   - demo.counter@^1.2.0    (caret range)
//   - demo.counter@>=1.0.0   (comparison range)
func ParseTypeRef(input string) (*TypeRef, error) {
	raw := strings.TrimSpace(input)
	name, rangeStr, _ := strings.Cut(raw, "@")
	if !ValidateTypeName(name) {
		return nil, fmt.Errorf("%s - invalid agent type name: %q", logPrefix, raw)
	}
	if strings.Contains(raw, "@") && rangeStr == "" {
		return nil, fmt.Errorf("%s - empty version after @: %q", logPrefix, raw)
	}
	return &TypeRef{Name: name, Range: rangeStr, Raw: raw}, nil
}

// String returns the canonical form of the reference.
func (r *TypeRef) String() string {
	return BuildTypeRef(r.Name, r.Range)
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// BuildTypeRef joins a type name and an optional version.
func BuildTypeRef(name, version string) string {
	if version != "" {
		return name + "@" + version
	}
	return name
}

// ValidateTypeName validates an agent type name (letters, digits, dots, hyphens, underscores).
func ValidateTypeName(name string) bool {
	return typeNameRegex.MatchString(name)
}
