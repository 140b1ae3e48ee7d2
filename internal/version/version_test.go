package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	t.Cleanup(func() { buildVersion = old })
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current()=%q want v1.2.3", got)
	}
}

func TestReadNeverEmpty(t *testing.T) {
	info := Read()
	if info.Module == "" || info.Version == "" {
		t.Fatalf("incomplete build info %+v", info)
	}
}

func TestFromBuildInfoVersion(t *testing.T) {
	cases := []struct {
		name     string
		main     string
		settings []debug.BuildSetting
		want     string
	}{
		{name: "no vcs", want: unknownVersion},
		{name: "tagged", main: "v0.4.1", want: "v0.4.1"},
		{
			name: "clean",
			main: "(devel)",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef"},
				{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
			},
			want: "v0.0.0-20260301102030-0123456789ab",
		},
		{
			name: "dirty",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc"},
				{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
				{Key: "vcs.modified", Value: "true"},
			},
			want: "v0.0.0-20260301102030-abc+dirty",
		},
		{
			name: "bad time",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc"},
				{Key: "vcs.time", Value: "yesterday"},
			},
			want: unknownVersion,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bi := &debug.BuildInfo{Main: debug.Module{Version: tc.main}, Settings: tc.settings}
			if got := fromBuildInfo(bi).Version; got != tc.want {
				t.Fatalf("version=%q want %q", got, tc.want)
			}
		})
	}
	if got := fromBuildInfo(nil); got.Version != unknownVersion || got.Module != defaultModule {
		t.Fatalf("nil build info gave %+v", got)
	}
}

func TestFromBuildInfoReportsLinkedDrivers(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.0",
		Main:      debug.Module{Path: "pkt.systems/zkgate"},
		Deps: []*debug.Module{
			{Path: "go.etcd.io/etcd/client/v3", Version: "v3.6.7"},
			{Path: "github.com/spf13/cobra", Version: "v1.10.2"},
			{Path: "go.etcd.io/bbolt", Version: "v1.4.3", Replace: &debug.Module{Path: "../bbolt", Version: "v1.4.4-fork"}},
		},
		Settings: []debug.BuildSetting{{Key: "vcs.time", Value: "2026-03-01T10:20:30+02:00"}},
	}
	info := fromBuildInfo(bi)
	want := []Driver{
		{Scheme: "disk", Module: "go.etcd.io/bbolt", Version: "v1.4.4-fork"},
		{Scheme: "etcd", Module: "go.etcd.io/etcd/client/v3", Version: "v3.6.7"},
	}
	if len(info.Drivers) != len(want) {
		t.Fatalf("drivers=%+v want %+v", info.Drivers, want)
	}
	for i := range want {
		if info.Drivers[i] != want[i] {
			t.Fatalf("drivers[%d]=%+v want %+v", i, info.Drivers[i], want[i])
		}
	}
	if info.GoVersion != "go1.25.0" {
		t.Fatalf("go version %q", info.GoVersion)
	}
	if !info.Committed.Equal(time.Date(2026, 3, 1, 8, 20, 30, 0, time.UTC)) || info.Committed.Location() != time.UTC {
		t.Fatalf("committed=%v", info.Committed)
	}
}
