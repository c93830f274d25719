// Package catalog resolves which patch artifacts a host needs to reach the
// newest version available in its patch source.
package catalog

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kidoz/esxi-patcher-go/internal/artifact"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// ErrNoPath means the catalog has no chain of artifacts from the host's
// version to the newest version.
var ErrNoPath = errors.New("no upgrade path")

// Error is returned for every resolver failure. It is never retried.
type Error struct {
	Source string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "catalog"
	if e.Source != "" {
		msg += " " + e.Source
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// document is the on-disk catalog format. JSON documents parse too.
type document struct {
	Name      string  `yaml:"name"`
	Artifacts []entry `yaml:"artifacts"`
}

type entry struct {
	ID        string `yaml:"id"`
	Requires  string `yaml:"requires"`
	Target    string `yaml:"target"`
	Location  string `yaml:"location"`
	Size      int64  `yaml:"size"`
	SHA256    string `yaml:"sha256"`
	Published string `yaml:"published"`
	Mandatory bool   `yaml:"mandatory"`
	Kind      string `yaml:"kind"`
	Profile   string `yaml:"profile"`
}

var sha256Re = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// Catalog is a parsed, validated set of artifacts.
type Catalog struct {
	Name      string
	Source    string
	Artifacts []patch.Artifact
}

// Parse decodes and validates a catalog document. Relative artifact
// locations are resolved against source.
func Parse(data []byte, source string) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Source: source, Reason: "invalid document", Err: err}
	}

	c := &Catalog{Name: doc.Name, Source: source}
	var errs []error
	seen := make(map[string]bool, len(doc.Artifacts))

	for i, e := range doc.Artifacts {
		a, err := e.toArtifact(source)
		if err != nil {
			errs = append(errs, fmt.Errorf("artifacts[%d]: %w", i, err))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("artifacts[%d]: duplicate id %s", i, a.ID))
			continue
		}
		seen[a.ID] = true
		c.Artifacts = append(c.Artifacts, a)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, &Error{Source: source, Reason: "invalid artifacts", Err: err}
	}
	return c, nil
}

func (e entry) toArtifact(source string) (patch.Artifact, error) {
	if err := hostclient.ValidateArtifactID(e.ID); err != nil {
		return patch.Artifact{}, err
	}
	a := patch.Artifact{
		ID:        e.ID,
		Location:  artifact.Resolve(source, e.Location),
		Size:      e.Size,
		SHA256:    strings.ToLower(e.SHA256),
		Mandatory: e.Mandatory,
		Profile:   e.Profile,
	}
	if e.Location == "" {
		return a, fmt.Errorf("%s: location is required", e.ID)
	}

	target, err := patch.ParseVersion(e.Target)
	if err != nil {
		return a, fmt.Errorf("%s: target: %w", e.ID, err)
	}
	a.Target = target

	if e.Requires != "" {
		req, err := patch.ParseVersion(e.Requires)
		if err != nil {
			return a, fmt.Errorf("%s: requires: %w", e.ID, err)
		}
		if !req.Less(target) {
			return a, fmt.Errorf("%s: requires %s is not below target %s", e.ID, req, target)
		}
		a.Requires = req
	}

	if e.SHA256 != "" && !sha256Re.MatchString(e.SHA256) {
		return a, fmt.Errorf("%s: sha256 must be 64 hex characters", e.ID)
	}
	if e.Size < 0 {
		return a, fmt.Errorf("%s: size must not be negative", e.ID)
	}

	if e.Published != "" {
		t, err := parsePublished(e.Published)
		if err != nil {
			return a, fmt.Errorf("%s: published: %w", e.ID, err)
		}
		a.Published = t
	}

	switch patch.Kind(strings.ToLower(e.Kind)) {
	case "":
		a.Kind = patch.KindFromLocation(e.Location)
	case patch.KindDepot:
		a.Kind = patch.KindDepot
	case patch.KindVIB:
		a.Kind = patch.KindVIB
	case patch.KindProfile:
		a.Kind = patch.KindProfile
	default:
		return a, fmt.Errorf("%s: unknown kind %q", e.ID, e.Kind)
	}
	if a.Kind == patch.KindProfile {
		if err := hostclient.ValidateProfileName(e.Profile); err != nil {
			return a, fmt.Errorf("%s: %w", e.ID, err)
		}
	}
	if strings.HasSuffix(strings.ToLower(e.Location), ".iso") {
		return a, fmt.Errorf("%s: ISO images cannot be installed from the shell, use the offline depot zip", e.ID)
	}

	return a, nil
}

func parsePublished(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q (want YYYY-MM-DD or RFC 3339)", s)
}

// SingleFile builds a one-artifact catalog from a bundle path and the
// version it installs.
func SingleFile(location, targetVersion string) (*Catalog, error) {
	target, err := patch.ParseVersion(targetVersion)
	if err != nil {
		return nil, &Error{Source: location, Reason: "invalid target version", Err: err}
	}
	base := path.Base(strings.ReplaceAll(location, "\\", "/"))
	id := sanitizeID(strings.TrimSuffix(base, path.Ext(base)))
	return &Catalog{
		Name:   "patch_file",
		Source: location,
		Artifacts: []patch.Artifact{{
			ID:       id,
			Target:   target,
			Location: location,
			Kind:     patch.KindFromLocation(location),
		}},
	}, nil
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-', r == '+':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := strings.TrimLeft(b.String(), "._+-")
	if id == "" {
		id = "patch"
	}
	return id
}

// Options narrow the resolution.
type Options struct {
	// Pinned artifact ids win ties between artifacts with the same target.
	Pinned map[string]bool
	// Max caps the version the plan may reach. Zero means no cap.
	Max patch.Version
}

// Plan computes the ordered artifacts that take a host from current to the
// newest reachable version. Each hop picks, among the artifacts the current
// version satisfies, the one with the highest target, but never past the
// lowest mandatory target still ahead.
func (c *Catalog) Plan(current patch.Version, opts Options) (patch.Plan, error) {
	plan := patch.Plan{From: current}

	eligible := make([]patch.Artifact, 0, len(c.Artifacts))
	for _, a := range c.Artifacts {
		if !opts.Max.IsZero() && opts.Max.Less(a.Target) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		if len(c.Artifacts) == 0 {
			return plan, &Error{Source: c.Source, Reason: "catalog has no artifacts"}
		}
		// Every artifact lies beyond the cap.
		return plan, nil
	}

	newest := eligible[0].Target
	for _, a := range eligible[1:] {
		if newest.Less(a.Target) {
			newest = a.Target
		}
	}
	if !current.Less(newest) {
		return plan, nil
	}

	cur := current
	for cur.Less(newest) {
		var candidates []patch.Artifact
		var gate patch.Version
		for _, a := range eligible {
			if !cur.Less(a.Target) {
				continue
			}
			if a.Mandatory && (gate.IsZero() || a.Target.Less(gate)) {
				gate = a.Target
			}
			if a.Requires.IsZero() || !cur.Less(a.Requires) {
				candidates = append(candidates, a)
			}
		}
		if !gate.IsZero() {
			kept := candidates[:0]
			for _, a := range candidates {
				if !gate.Less(a.Target) {
					kept = append(kept, a)
				}
			}
			candidates = kept
		}
		if len(candidates) == 0 {
			return patch.Plan{From: current}, &Error{
				Source: c.Source,
				Reason: fmt.Sprintf("from %s to %s", cur, newest),
				Err:    ErrNoPath,
			}
		}

		next := pick(candidates, opts.Pinned)
		plan.Artifacts = append(plan.Artifacts, next)
		cur = next.Target
	}

	return plan, nil
}

// pick returns the candidate with the highest target. Ties go to a pinned
// artifact, then the most recently published, then the lowest id.
func pick(candidates []patch.Artifact, pinned map[string]bool) patch.Artifact {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if better(a, best, pinned) {
			best = a
		}
	}
	return best
}

func better(a, b patch.Artifact, pinned map[string]bool) bool {
	if c := a.Target.Compare(b.Target); c != 0 {
		return c > 0
	}
	if pinned[a.ID] != pinned[b.ID] {
		return pinned[a.ID]
	}
	if !a.Published.Equal(b.Published) {
		return a.Published.After(b.Published)
	}
	return a.ID < b.ID
}
