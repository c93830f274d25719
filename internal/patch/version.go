package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	releaseRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)
	buildRe   = regexp.MustCompile(`(?i)(?:build-|releasebuild-)(\d+)`)
	// 7.0.3-21930508 or the dotted image form 7.0.3-0.65.21930508, where
	// the last group is the build.
	dashRe = regexp.MustCompile(`^-((?:\d+\.)*)(\d+)(?:\s|$)`)
)

// Version is an ESXi release (major.minor.patch) plus its build number.
// Two versions with the same release but different builds are distinct
// patch levels; the build decides the order.
type Version struct {
	Major int
	Minor int
	Patch int
	Build int
}

// ParseVersion accepts the forms ESXi reports and catalogs use:
//
//	7.0.3-21930508
//	7.0.3-0.65.21930508
//	7.0.3 build-21930508
//	VMware ESXi 7.0.3 build-21930508
//	7.0.3            (build 0)
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	// vmware -vl prints two lines; the first carries the build.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}

	loc := releaseRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	m := releaseRe.FindStringSubmatch(s)

	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}

	rest := s[loc[1]:]
	var digits string
	if b := dashRe.FindStringSubmatch(rest); b != nil {
		digits = b[2]
	} else if b := buildRe.FindStringSubmatch(rest); b != nil {
		digits = b[1]
	} else if strings.HasPrefix(rest, "-") {
		return Version{}, fmt.Errorf("invalid build in %q", s)
	}
	if digits != "" {
		build, err := strconv.Atoi(digits)
		if err != nil {
			return Version{}, fmt.Errorf("invalid build in %q: %w", s, err)
		}
		v.Build = build
	}
	return v, nil
}

// MustParseVersion is ParseVersion for literals known to be valid.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	for _, d := range [...]int{
		v.Major - o.Major,
		v.Minor - o.Minor,
		v.Patch - o.Patch,
		v.Build - o.Build,
	} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

func (v Version) Less(o Version) bool  { return v.Compare(o) < 0 }
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// IsZero reports whether v was never set.
func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d-%d", v.Major, v.Minor, v.Patch, v.Build)
}

// MarshalText lets versions appear as plain strings in JSON reports.
func (v Version) MarshalText() ([]byte, error) {
	if v.IsZero() {
		return []byte{}, nil
	}
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*v = Version{}
		return nil
	}
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
