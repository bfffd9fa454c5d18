package endpoint

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.yaml.in/yaml/v3"
)

// Store persists the applied endpoints so they can be restored or cleaned up
// after a restart.
type Store interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}

// Snapshot is the persisted manager state.
type Snapshot struct {
	// NextID is the counter the next endpoint id is drawn from.
	NextID    uint64   `yaml:"next_id"`
	Endpoints []Record `yaml:"endpoints"`
}

// Record is the persisted form of an applied endpoint.
type Record struct {
	ID          string    `yaml:"id"`
	PublicIP    string    `yaml:"public_ip"`
	PublicPort  int       `yaml:"public_port"`
	PrivateIP   string    `yaml:"private_ip"`
	PrivatePort int       `yaml:"private_port"`
	Created     time.Time `yaml:"created"`
}

// IDs returns the ids of every recorded endpoint.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Endpoints))
	for _, rec := range s.Endpoints {
		ids = append(ids, rec.ID)
	}
	return ids
}

func newRecord(ep *Endpoint) Record {
	return Record{
		ID:          ep.ID,
		PublicIP:    ep.PublicIP.String(),
		PublicPort:  ep.PublicPort,
		PrivateIP:   ep.PrivateIP.String(),
		PrivatePort: ep.PrivatePort,
		Created:     ep.Created,
	}
}

// endpoint rebuilds the endpoint of a record, in REQUESTED state.
func (r Record) endpoint() (*Endpoint, error) {
	publicIP := net.ParseIP(r.PublicIP).To4()
	privateIP := net.ParseIP(r.PrivateIP).To4()
	if r.ID == "" || publicIP == nil || privateIP == nil || r.PublicPort == AnyPort {
		return nil, fmt.Errorf("malformed record %+v: %w", r, ErrValidation)
	}
	req := Request{PublicIP: publicIP, PublicPort: r.PublicPort, PrivateIP: privateIP, PrivatePort: r.PrivatePort}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("malformed record %s: %w", r.ID, err)
	}
	return &Endpoint{
		ID:          r.ID,
		PublicIP:    publicIP,
		PublicPort:  r.PublicPort,
		PrivateIP:   privateIP,
		PrivatePort: r.PrivatePort,
		State:       StateRequested,
		Created:     r.Created,
	}, nil
}

// FileStore keeps the snapshot in a YAML file, replaced atomically on save.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	snap := &Snapshot{}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	return snap, nil
}

// Save writes the snapshot to a temporary file and renames it into place.
func (s *FileStore) Save(snap *Snapshot) error {
	sorted := *snap
	sorted.Endpoints = append([]Record(nil), snap.Endpoints...)
	sort.Slice(sorted.Endpoints, func(i, j int) bool {
		return sorted.Endpoints[i].Created.Before(sorted.Endpoints[j].Created) ||
			(sorted.Endpoints[i].Created.Equal(sorted.Endpoints[j].Created) && sorted.Endpoints[i].ID < sorted.Endpoints[j].ID)
	})

	data, err := yaml.Marshal(&sorted)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", s.path, err)
	}
	return nil
}

// NopStore discards state; used when no state file is configured.
type NopStore struct{}

func (NopStore) Load() (*Snapshot, error) { return &Snapshot{}, nil }

func (NopStore) Save(*Snapshot) error { return nil }
