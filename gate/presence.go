package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/zkgate/coord"
	"pkt.systems/zkgate/internal/store"
)

// Presence is the content of a node's ephemeral presence record.
type Presence struct {
	ID              string    `json:"id" yaml:"id"`
	SessionID       int64     `json:"session_id" yaml:"session_id"`
	Connection      string    `json:"connection,omitempty" yaml:"connection,omitempty"`
	Hostname        string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	OS              string    `json:"os,omitempty" yaml:"os,omitempty"`
	Platform        string    `json:"platform,omitempty" yaml:"platform,omitempty"`
	PlatformVersion string    `json:"platform_version,omitempty" yaml:"platform_version,omitempty"`
	KernelArch      string    `json:"kernel_arch,omitempty" yaml:"kernel_arch,omitempty"`
	MemoryTotal     uint64    `json:"memory_total,omitempty" yaml:"memory_total,omitempty"`
	PID             int       `json:"pid" yaml:"pid"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
}

func (g *Gate) describeHost(ctx context.Context, sessionID int64) Presence {
	p := Presence{
		ID:         g.cfg.NodeID,
		SessionID:  sessionID,
		Connection: g.cfg.Connection,
		OS:         runtime.GOOS,
		KernelArch: runtime.GOARCH,
		PID:        os.Getpid(),
		StartedAt:  g.clock.Now().UTC(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		p.Hostname = info.Hostname
		p.OS = info.OS
		p.Platform = info.Platform
		p.PlatformVersion = info.PlatformVersion
		if info.KernelArch != "" {
			p.KernelArch = info.KernelArch
		}
	} else {
		g.logger.Debug("gate.presence.host_info_failed", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.MemoryTotal = vm.Total
	}
	return p
}

// publishPresence writes the ephemeral presence node for conn, replacing a
// leftover node of an earlier session of this node.
func (g *Gate) publishPresence(ctx context.Context, conn store.Conn) error {
	path, err := coord.PresencePath(g.cfg.NodeID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(g.describeHost(ctx, conn.SessionID()))
	if err != nil {
		return fmt.Errorf("gate: encode presence: %w", err)
	}
	if err := store.EnsurePath(ctx, conn, coord.PresenceRoot); err != nil {
		return err
	}
	_, err = conn.Create(ctx, path, payload, store.ModeEphemeral)
	if errors.Is(err, store.ErrNodeExists) {
		if derr := conn.Delete(ctx, path, store.AnyVersion); derr != nil && !errors.Is(derr, store.ErrNoNode) {
			return derr
		}
		_, err = conn.Create(ctx, path, payload, store.ModeEphemeral)
	}
	if err != nil {
		return err
	}
	g.logger.Debug("gate.presence.published", "path", path, "session_id", conn.SessionID())
	if g.cfg.RegisterNode {
		if err := g.Registry().ensurePending(ctx, conn, g.cfg.NodeID, g.cfg.Connection); err != nil {
			g.logger.Warn("gate.registry.register_failed", "error", err)
		}
	}
	return nil
}

// Presences lists the presence records of live nodes.
func (g *Gate) Presences(ctx context.Context) ([]Presence, error) {
	s := g.Store()
	names, _, _, err := s.Children(ctx, coord.PresenceRoot, false)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Presence, 0, len(names))
	for _, name := range names {
		data, _, _, err := s.Get(ctx, store.Join(coord.PresenceRoot, name), false)
		if err != nil {
			if errors.Is(err, store.ErrNoNode) {
				continue
			}
			return nil, err
		}
		var p Presence
		if err := json.Unmarshal(data, &p); err != nil {
			g.logger.Warn("gate.presence.decode_failed", "node", name, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// MarkOnline creates the cluster online marker.
func (g *Gate) MarkOnline(ctx context.Context) error {
	conn, err := g.rawConn(g.cfg.OnlinePath)
	if err != nil {
		return err
	}
	if err := store.EnsurePath(ctx, conn, store.Parent(g.cfg.OnlinePath)); err != nil {
		return translate(g.cfg.OnlinePath, err)
	}
	_, err = conn.Create(ctx, g.cfg.OnlinePath, []byte(g.cfg.NodeID), store.ModePersistent)
	if err != nil && !errors.Is(err, store.ErrNodeExists) {
		return translate(g.cfg.OnlinePath, err)
	}
	g.logger.Info("gate.cluster.marked_online", "path", g.cfg.OnlinePath)
	return nil
}

// MarkOffline removes the cluster online marker. Nodes already online stay
// online; only gates started afterwards wait again.
func (g *Gate) MarkOffline(ctx context.Context) error {
	conn, err := g.rawConn(g.cfg.OnlinePath)
	if err != nil {
		return err
	}
	if err := conn.Delete(ctx, g.cfg.OnlinePath, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
		return translate(g.cfg.OnlinePath, err)
	}
	g.logger.Info("gate.cluster.marked_offline", "path", g.cfg.OnlinePath)
	return nil
}

// ClusterOnline reports whether the cluster online marker exists.
func (g *Gate) ClusterOnline(ctx context.Context) (bool, error) {
	conn, err := g.rawConn(g.cfg.OnlinePath)
	if err != nil {
		return false, err
	}
	stat, _, err := conn.Exists(ctx, g.cfg.OnlinePath, false)
	if err != nil {
		return false, translate(g.cfg.OnlinePath, err)
	}
	return stat != nil, nil
}
