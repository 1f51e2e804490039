package consensus

import (
	"sync"
)

// ReplicaInfo identifies one member of the fixed replica set.
type ReplicaInfo struct {
	// ID is the non-zero replica id.
	ID uint32 `json:"id"`

	// IP is the replica's reachable address.
	IP string `json:"ip"`

	// Port is the replica's listen port.
	Port int `json:"port"`

	// CertFile is the path of the certificate binding ID to the
	// replica's public key.
	CertFile string `json:"cert_file"`
}

// SystemInfo tracks the current view and the replica set, and elects the
// primary. The replica set is fixed at startup; only the view moves, under
// the (out-of-scope) view-change machinery's control.
type SystemInfo struct {
	mtx      sync.RWMutex
	view     uint64
	replicas []ReplicaInfo
}

// NewSystemInfo creates system info over the fixed replica set, starting
// at view zero.
func NewSystemInfo(replicas []ReplicaInfo) *SystemInfo {
	return &SystemInfo{replicas: replicas}
}

// View returns the current view.
func (s *SystemInfo) View() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.view
}

// SetView advances the view. This is the hook point consumed by view
// changes; the protocol itself lives outside this package.
func (s *SystemInfo) SetView(view uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if view > s.view {
		s.view = view
	}
}

// PrimaryID returns the id of the primary for the current view:
// replicas[view mod N].
func (s *SystemInfo) PrimaryID() uint32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if len(s.replicas) == 0 {
		return 0
	}
	return s.replicas[int(s.view%uint64(len(s.replicas)))].ID
}

// Replicas returns a copy of the replica set.
func (s *SystemInfo) Replicas() []ReplicaInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	replicas := make([]ReplicaInfo, len(s.replicas))
	copy(replicas, s.replicas)
	return replicas
}
