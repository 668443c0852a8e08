// Package lease provides workspace leasing so that at most one run
// mutates a workspace at a time. Exec-now paths use NopManager,
// everything else uses FileManager.
package lease

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/util"
)

// DefaultTTL bounds how long a lease lives without renewal.
const DefaultTTL = 30 * time.Minute

// DefaultRenewInterval is how often a running executor renews its lease.
const DefaultRenewInterval = 10 * time.Minute

// Lease is the on-disk record of a workspace hold.
type Lease struct {
	ID          string    `yaml:"id"`
	WorkspaceID string    `yaml:"workspace_id"`
	HolderID    string    `yaml:"holder_id"` // id of the holding run or work order
	Acquired    time.Time `yaml:"acquired"`
	ExpiresAt   time.Time `yaml:"expires_at"`
	TTL         string    `yaml:"ttl"` // original duration, renewals extend by this
	PID         int       `yaml:"pid"`
}

// TTLDuration parses the stored TTL, falling back to DefaultTTL.
func (l *Lease) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsExpired reports whether the lease has lapsed.
func (l *Lease) IsExpired() bool {
	return time.Now().After(l.ExpiresAt)
}

// Manager defines the workspace leasing interface.
type Manager interface {
	// Acquire takes the lease on a workspace for holderID. Re-acquiring a
	// lease you already hold renews it. An unexpired lease held by anyone
	// else fails with LEASE_UNAVAILABLE; expired leases are claimable.
	Acquire(workspaceID, holderID string, ttl time.Duration) (*Lease, error)

	// Renew extends the holder's lease by its original TTL from now.
	Renew(workspaceID, holderID string) (*Lease, error)

	// Release drops the holder's lease. Releasing when no lease exists
	// is a no-op; releasing another holder's lease is an error.
	Release(workspaceID, holderID string) error

	// Holder returns the active lease on a workspace, if any. Expired
	// leases are reported as absent.
	Holder(workspaceID string) (*Lease, bool, error)
}

// NopManager grants every request and holds nothing.
type NopManager struct{}

func NewNopManager() *NopManager { return &NopManager{} }

func (m *NopManager) Acquire(workspaceID, holderID string, ttl time.Duration) (*Lease, error) {
	return &Lease{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		HolderID:    holderID,
		Acquired:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(ttl),
		TTL:         ttl.String(),
		PID:         os.Getpid(),
	}, nil
}

func (m *NopManager) Renew(workspaceID, holderID string) (*Lease, error) {
	return &Lease{WorkspaceID: workspaceID, HolderID: holderID}, nil
}

func (m *NopManager) Release(workspaceID, holderID string) error { return nil }

func (m *NopManager) Holder(workspaceID string) (*Lease, bool, error) { return nil, false, nil }

// FileManager persists one lease file per workspace under leasesDir.
type FileManager struct {
	leasesDir string
	mu        sync.Mutex
}

// NewFileManager creates a FileManager rooted at leasesDir.
func NewFileManager(leasesDir string) *FileManager {
	return &FileManager{leasesDir: leasesDir}
}

func (m *FileManager) leasePath(workspaceID string) string {
	return filepath.Join(m.leasesDir, workspaceID+".yaml")
}

func (m *FileManager) readLease(workspaceID string) (*Lease, error) {
	data, err := os.ReadFile(m.leasePath(workspaceID))
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse lease file: %w", err)
	}
	return &l, nil
}

func (m *FileManager) writeLease(l *Lease) error {
	return util.AtomicWriteYAML(m.leasePath(l.WorkspaceID), l, 0o644)
}

// Acquire implements Manager.
func (m *FileManager) Acquire(workspaceID, holderID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	existing, err := m.readLease(workspaceID)
	if err == nil {
		if !existing.IsExpired() && existing.HolderID != holderID {
			return nil, gateerrors.ErrLeaseUnavailable(workspaceID, existing.HolderID, existing.ExpiresAt)
		}
		if !existing.IsExpired() && existing.HolderID == holderID {
			// Same holder, treat as a renewal with the new TTL.
			existing.ExpiresAt = time.Now().UTC().Add(ttl)
			existing.TTL = ttl.String()
			if err := m.writeLease(existing); err != nil {
				return nil, fmt.Errorf("write lease: %w", err)
			}
			return existing, nil
		}
		// Expired lease, fall through and claim it.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read lease: %w", err)
	}

	now := time.Now().UTC()
	l := &Lease{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		HolderID:    holderID,
		Acquired:    now,
		ExpiresAt:   now.Add(ttl),
		TTL:         ttl.String(),
		PID:         os.Getpid(),
	}
	if err := m.writeLease(l); err != nil {
		return nil, fmt.Errorf("write lease: %w", err)
	}
	return l, nil
}

// Renew implements Manager.
func (m *FileManager) Renew(workspaceID, holderID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readLease(workspaceID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no lease on workspace %s", workspaceID)
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if existing.HolderID != holderID {
		return nil, gateerrors.ErrLeaseUnavailable(workspaceID, existing.HolderID, existing.ExpiresAt)
	}

	existing.ExpiresAt = time.Now().UTC().Add(existing.TTLDuration())
	if err := m.writeLease(existing); err != nil {
		return nil, fmt.Errorf("write lease: %w", err)
	}
	return existing, nil
}

// Release implements Manager.
func (m *FileManager) Release(workspaceID, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readLease(workspaceID)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if existing.HolderID != holderID {
		return gateerrors.ErrLeaseUnavailable(workspaceID, existing.HolderID, existing.ExpiresAt)
	}

	if err := os.Remove(m.leasePath(workspaceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease file: %w", err)
	}
	return nil
}

// Holder implements Manager.
func (m *FileManager) Holder(workspaceID string) (*Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.readLease(workspaceID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read lease: %w", err)
	}
	if existing.IsExpired() {
		return nil, false, nil
	}
	return existing, true, nil
}
