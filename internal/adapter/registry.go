package adapter

import (
	"log/slog"
	"strings"
)

// Registry holds every built-in and discovered Adapter, keyed by name.
type Registry struct {
	byName map[string]*Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Adapter)}
}

// Register adds a into the registry, keyed by a.Name.
func (r *Registry) Register(a *Adapter) {
	r.byName[a.Name] = a
}

// Get returns the adapter named name, or (nil, false).
func (r *Registry) Get(name string) (*Adapter, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Names returns every registered adapter name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// FindByPrefix resolves a multiplexer session name (e.g. "claude-a1b2c3d4")
// to the adapter whose SessionPrefix it starts with, used during Session
// Manager recovery.
func (r *Registry) FindByPrefix(multiplexerSessionName string) (*Adapter, bool) {
	for _, a := range r.byName {
		if strings.HasPrefix(multiplexerSessionName, a.SessionPrefix+"-") {
			return a, true
		}
	}
	return nil, false
}

// ResolveByPrefix adapts FindByPrefix to sessionmgr.PrefixResolver.
func (r *Registry) ResolveByPrefix(multiplexerSessionName string) (string, bool) {
	a, ok := r.FindByPrefix(multiplexerSessionName)
	if !ok {
		return "", false
	}
	return a.Name, true
}

// FindByBinary resolves a hook-reported launch-binary name to its adapter,
// used for payload-based routing when the URL agent tag is ambiguous.
func (r *Registry) FindByBinary(binary string) (*Adapter, bool) {
	for _, a := range r.byName {
		if a.LaunchBinary == binary {
			return a, true
		}
	}
	return nil, false
}

// DetectAll calls DetectVersion on every adapter. A detected version
// outside the adapter's compatibility range logs a warning but never
// blocks startup.
func (r *Registry) DetectAll() {
	for _, a := range r.byName {
		version, err := a.DetectVersion()
		if err != nil {
			slog.Warn("adapter version detection failed", "adapter", a.Name, "error", err)
			continue
		}
		if version == "" {
			continue
		}
		if !inRange(version, a.Versions) {
			slog.Warn("adapter version outside compatibility range", "adapter", a.Name, "version", version, "min", a.Versions.Min, "max", a.Versions.Max)
		}
	}
}

// inRange does a best-effort dotted-version comparison; malformed versions
// are treated as in-range rather than blocking startup.
func inRange(version string, r VersionRange) bool {
	if r.Min != "" && compareVersions(version, r.Min) < 0 {
		return false
	}
	if r.Max != "" && compareVersions(version, r.Max) > 0 {
		return false
	}
	return true
}

// compareVersions compares dotted version strings numerically component by
// component, returning -1/0/1. Non-numeric components compare as equal.
func compareVersions(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		var av, bv int
		if i < len(aParts) {
			av = parseVersionComponent(aParts[i])
		}
		if i < len(bParts) {
			bv = parseVersionComponent(bParts[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseVersionComponent(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
