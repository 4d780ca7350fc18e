package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the "major.minor" version of a configuration file.
type SchemaVersion struct {
	Major int
	Minor int
}

// currentVersion is CurrentSchemaVersion parsed.
var currentVersion = SchemaVersion{Major: 1, Minor: 0}

// ParseVersion parses a version string like "1.0". An empty string is the
// first schema, 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}

	var v SchemaVersion
	var err error
	if v.Major, err = strconv.Atoi(major); err != nil || v.Major < 0 {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", major)
	}
	if v.Minor, err = strconv.Atoi(minor); err != nil || v.Minor < 0 {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minor)
	}
	return v, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other.
func (v SchemaVersion) Compare(other SchemaVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	}
	return 0
}

// IsCompatible reports whether a reader for target can load a file written
// as v: same major version, and no newer minor.
func (v SchemaVersion) IsCompatible(target SchemaVersion) bool {
	return v.Major == target.Major && v.Compare(target) <= 0
}

// IsSupportedVersion reports whether this build can load v.
func IsSupportedVersion(v SchemaVersion) bool {
	return v.IsCompatible(currentVersion)
}
