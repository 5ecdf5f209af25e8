// Package monitor periodically refreshes the observed state (reachability,
// capacity) of every configured NAS target. The ticker-driven loop follows
// cuemby-warren's pkg/scheduler run loop; the reachability probe follows
// cuemby-warren's pkg/health TCPChecker.
package monitor

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naoki-ibaragi/image-backup/internal/eventbus"
	"github.com/Naoki-ibaragi/image-backup/internal/model"
	"github.com/Naoki-ibaragi/image-backup/internal/store"
)

// smbPort is the well-known SMB file-sharing port used to probe NAS
// reachability without attempting an actual mount.
const smbPort = "445"

// Interval is the NAS monitor's poll cadence.
const Interval = 10 * time.Second

// dialTimeout bounds a single reachability probe so one unreachable target
// cannot stall the tick.
const dialTimeout = 1 * time.Second

// Monitor refreshes NAS connectivity and free space on a fixed tick and
// publishes the updated snapshot to the event bus.
type Monitor struct {
	store  *store.Store
	bus    *eventbus.Broker
	log    zerolog.Logger
	dialer net.Dialer

	// freeSpace looks up total/free bytes for a drive reference; overridden
	// in tests to avoid depending on real mounted volumes. Defaults to the
	// platform-specific diskFreeSpace.
	freeSpace func(drive string) (total int64, free int64, err error)

	// connect reports reachability for an IP; overridden in tests to avoid
	// real TCP dials. Defaults to dialProbe's dialer-backed SMB check.
	connect func(ctx context.Context, ip string) bool
}

// New builds a Monitor bound to store and bus, logging via log.
func New(st *store.Store, bus *eventbus.Broker, log zerolog.Logger) *Monitor {
	m := &Monitor{
		store:     st,
		bus:       bus,
		log:       log,
		dialer:    net.Dialer{Timeout: dialTimeout},
		freeSpace: diskFreeSpace,
	}
	m.connect = m.dialProbe
	return m
}

// Run blocks, ticking every Interval until ctx is cancelled. The first tick
// fires immediately so callers observe state right away rather than waiting
// a full interval.
func (m *Monitor) Run(ctx context.Context) {
	m.tick(ctx)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("nas monitor stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Once performs a single refresh tick without entering the ticker loop, for
// callers that want fresh NAS state ahead of a one-shot run.
func (m *Monitor) Once(ctx context.Context) {
	m.tick(ctx)
}

func (m *Monitor) tick(ctx context.Context) {
	m.store.RefreshNASInPlace(func(n model.NASEntry) model.NASEntry {
		n.IsConnected = m.connect(ctx, n.IP)
		if !n.IsConnected {
			n.TotalSpace, n.UsedSpace, n.FreeSpace = 0, 0, 0
			return n
		}

		total, free, err := m.freeSpace(n.Drive)
		if err != nil {
			m.log.Warn().Err(err).Str("nas", n.Name).Str("drive", n.Drive).Msg("free space lookup failed, keeping previous figures")
			return n
		}

		used := total - free
		if used < 0 {
			used = 0
		}
		n.TotalSpace, n.FreeSpace, n.UsedSpace = total, free, used
		return n
	})

	snapshot := m.store.SnapshotNAS()
	boxed := make([]interface{}, len(snapshot))
	for i, n := range snapshot {
		boxed[i] = n
	}
	m.bus.Publish(eventbus.Event{
		Kind:      eventbus.KindNASStatusUpdated,
		NASStatus: boxed,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// dialProbe reports whether a TCP connection to ip's SMB port succeeds
// within dialTimeout. It is the default m.connect implementation.
func (m *Monitor) dialProbe(ctx context.Context, ip string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, smbPort))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
