// Package version describes the running zkgate build: the release or
// pseudo-version, the commit it came from, and the store driver modules
// linked into the binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/zkgate"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/zkgate/internal/version.buildVersion=...".
var buildVersion = ""

// Driver is a store backend module linked into the build.
type Driver struct {
	Scheme  string `json:"scheme" yaml:"scheme"`
	Module  string `json:"module" yaml:"module"`
	Version string `json:"version" yaml:"version"`
}

// drivers maps store URL schemes to the modules implementing them. mem://
// is built in and has no entry.
var drivers = []Driver{
	{Scheme: "disk", Module: "go.etcd.io/bbolt"},
	{Scheme: "etcd", Module: "go.etcd.io/etcd/client/v3"},
}

// Info is what `zkgate version` reports.
type Info struct {
	Module    string    `json:"module" yaml:"module"`
	Version   string    `json:"version" yaml:"version"`
	GoVersion string    `json:"go,omitempty" yaml:"go,omitempty"`
	Revision  string    `json:"revision,omitempty" yaml:"revision,omitempty"`
	Committed time.Time `json:"committed,omitzero" yaml:"committed,omitempty"`
	Dirty     bool      `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	Drivers   []Driver  `json:"drivers,omitempty" yaml:"drivers,omitempty"`
}

// Read inspects the running binary.
func Read() Info {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		bi = nil
	}
	return fromBuildInfo(bi)
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

func fromBuildInfo(bi *debug.BuildInfo) Info {
	info := Info{Module: defaultModule}
	if bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.GoVersion = bi.GoVersion
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.Committed = ts.UTC()
				}
			case "vcs.modified":
				info.Dirty = setting.Value == "true"
			}
		}
		info.Drivers = linkedDrivers(bi.Deps)
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		info.Version = buildVersion
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	default:
		info.Version = info.pseudo()
	}
	return info
}

// pseudo derives a Go-style pseudo-version from the VCS stamp.
func (i Info) pseudo() string {
	if i.Revision == "" || i.Committed.IsZero() {
		return unknownVersion
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Committed.Format("20060102150405") + "-" + rev
	if i.Dirty {
		v += "+dirty"
	}
	return v
}

func linkedDrivers(deps []*debug.Module) []Driver {
	var out []Driver
	for _, d := range drivers {
		for _, dep := range deps {
			if dep == nil || dep.Path != d.Module {
				continue
			}
			d.Version = dep.Version
			if dep.Replace != nil && dep.Replace.Version != "" {
				d.Version = dep.Replace.Version
			}
			out = append(out, d)
			break
		}
	}
	return out
}
