package semver

import (
	"fmt"
	"log/slog"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// Resolve picks the best of the registered versions for rangeStr and returns
// it in its original spelling.
//
//   - ""        highest stable version of the highest major
//   - "2"       highest stable version in major 2
//   - "2.1.0"   that exact version, else the highest version of major 2
//   - "^2.1"    highest version satisfying the constraint
func Resolve(versions []string, rangeStr string) (string, bool) {
	parsed := parseAll(versions)
	if len(parsed) == 0 {
		return "", false
	}

	switch {
	case rangeStr == "":
		return latestInMajor(parsed, highestMajor(parsed))
	case IsMajorOnly(rangeStr):
		return latestInMajor(parsed, uint64(ExtractMajorFromRange(rangeStr)))
	case IsExactVersion(rangeStr):
		want, err := masterminds.NewVersion(rangeStr)
		if err != nil {
			return "", false
		}
		for _, v := range parsed {
			if v.sv.Equal(want) {
				return v.raw, true
			}
		}
		// Instances created against an older build still load on a
		// compatible one.
		got, ok := latestInMajor(parsed, want.Major())
		if ok {
			slog.Debug(fmt.Sprintf("%s - %s not registered, falling back to %s", resolverLogPrefix, rangeStr, got))
		}
		return got, ok
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return "", false
	}
	var matching []version
	for _, v := range parsed {
		if constraint.Check(v.sv) {
			matching = append(matching, v)
		}
	}
	if len(matching) == 0 {
		return "", false
	}
	sortDesc(matching)
	return matching[0].raw, true
}

// SatisfiesRange checks if a version string satisfies a range.
func SatisfiesRange(ver, rangeStr string) bool {
	sv, err := masterminds.NewVersion(ver)
	if err != nil {
		return false
	}
	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// ValidateVersion reports whether ver is a parseable semantic version.
func ValidateVersion(ver string) error {
	if _, err := masterminds.StrictNewVersion(ver); err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, ver, err)
	}
	return nil
}

// --- internal helpers ---

type version struct {
	raw string
	sv  *masterminds.Version
}

func parseAll(versions []string) []version {
	out := make([]version, 0, len(versions))
	for _, raw := range versions {
		sv, err := masterminds.NewVersion(raw)
		if err != nil {
			continue
		}
		out = append(out, version{raw: raw, sv: sv})
	}
	return out
}

func highestMajor(versions []version) uint64 {
	var highest uint64
	for _, v := range versions {
		if v.sv.Major() > highest {
			highest = v.sv.Major()
		}
	}
	return highest
}

func latestInMajor(versions []version, major uint64) (string, bool) {
	var inMajor, stable []version
	for _, v := range versions {
		if v.sv.Major() != major {
			continue
		}
		inMajor = append(inMajor, v)
		if v.sv.Prerelease() == "" {
			stable = append(stable, v)
		}
	}
	// Prefer latest stable; if none, use latest including prerelease
	candidates := inMajor
	if len(stable) > 0 {
		candidates = stable
	}
	if len(candidates) == 0 {
		return "", false
	}
	sortDesc(candidates)
	return candidates[0].raw, true
}

func sortDesc(versions []version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].sv.GreaterThan(versions[j].sv)
	})
}
