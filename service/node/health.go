package node

import (
	"context"

	"github.com/ironpeak/tinybit/internal/netutil"
)

// HealthStatus summarizes whether the node is operating within its
// configured resource bounds.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
)

func (h HealthStatus) String() string {
	if h == Degraded {
		return "degraded"
	}
	return "healthy"
}

// Health is a point-in-time snapshot of the node's operational state,
// consumed by an external health-check collaborator. Storage exceeding its
// configured ceiling degrades the node but never stops it.
type Health struct {
	Status       HealthStatus
	Peers        int
	MempoolSize  int
	StorageBytes uint64
	StorageBound uint64
}

// Health reports the current health snapshot: peer count, mempool size and
// the storage bound check. A zero StorageSizeCeiling disables the bound.
func (m *Manager) Health(ctx context.Context) (Health, error) {
	h := Health{
		Status:      Healthy,
		Peers:       m.peerCount(),
		MempoolSize: m.pool.Size(),
	}
	if m.cfg.StorageSizeCeiling == 0 {
		return h, nil
	}
	h.StorageBound = m.cfg.StorageSizeCeiling

	var ok bool
	var used uint64
	err := netutil.WithTimeout(ctx, storageOpTimeout, "check storage bounds", func(ctx context.Context) error {
		var err error
		ok, used, err = m.storage.CheckStorageBounds(ctx, m.cfg.StorageSizeCeiling)
		return err
	})
	if err != nil {
		return h, err
	}
	h.StorageBytes = used
	if !ok {
		h.Status = Degraded
		log.Warningf("storage size %d exceeds ceiling %d, node degraded", used, m.cfg.StorageSizeCeiling)
	}
	return h, nil
}
