package endpoint

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/easzlab/ipfloater/pkg/nat"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Redirector installs and removes the NAT chains of an endpoint.
// *nat.Orchestrator implements it.
type Redirector interface {
	Apply(r nat.Redirection) error
	Remove(id string) error
	EndpointChainsExist(id string) (bool, error)
}

// Manager owns the endpoint lifecycle and the public/private lookup indexes.
//
// A single RWMutex covers both the indexes and the NAT batches that mirror
// them: mutating operations hold the write lock across the whole
// Redirector call, lookups take the read lock. Lock order is manager, then
// orchestrator.
type Manager struct {
	mu         sync.RWMutex
	redirector Redirector
	store      Store
	pool       *Pool
	nextID     uint64
	pending    map[string]*Endpoint           // REQUESTED, by id
	applied    map[string]*Endpoint           // APPLIED, by id
	public     map[string]map[int]*Endpoint   // APPLIED, by public ip and port
	private    map[string]map[int][]*Endpoint // APPLIED, by private ip and port, oldest first
	unrestored []Record                       // failed to restore, kept in the store
	onChange   func(applied []*Endpoint)
	now        func() time.Time
	logger     *zap.Logger
}

// NewManager creates a Manager allocating from pool and persisting to store.
func NewManager(redirector Redirector, pool *Pool, store Store, logger *zap.Logger) *Manager {
	if store == nil {
		store = NopStore{}
	}
	return &Manager{
		redirector: redirector,
		store:      store,
		pool:       pool,
		nextID:     1,
		pending:    make(map[string]*Endpoint),
		applied:    make(map[string]*Endpoint),
		public:     make(map[string]map[int]*Endpoint),
		private:    make(map[string]map[int][]*Endpoint),
		now:        time.Now,
		logger:     logger,
	}
}

// SetOnChange registers fn, called with the applied endpoints after every
// change of that set. fn runs without the manager lock held.
func (m *Manager) SetOnChange(fn func(applied []*Endpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Request reserves a public pair for req and returns the candidate endpoints
// in REQUESTED state. Exactly one candidate is returned.
func (m *Manager) Request(req Request) ([]*Endpoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ip, port, err := m.pool.Allocate(req.PublicIP, req.PublicPort)
	if err != nil {
		m.logger.Info("endpoint request rejected",
			zap.Stringer("public_ip", req.PublicIP),
			zap.Int("public_port", req.PublicPort),
			zap.Error(err),
		)
		return nil, err
	}

	ep := &Endpoint{
		ID:          m.newIDLocked(),
		PublicIP:    ip,
		PublicPort:  port,
		PrivateIP:   req.PrivateIP.To4(),
		PrivatePort: req.PrivatePort,
		State:       StateRequested,
		Created:     m.now(),
	}
	if err := m.pool.Reserve(ep.PublicIP, ep.PublicPort, ep.ID); err != nil {
		return nil, err
	}
	m.pending[ep.ID] = ep

	m.logger.Debug("endpoint requested", zap.String("endpoint", ep.String()))
	return []*Endpoint{ep.clone()}, nil
}

// Apply installs the NAT chains of a requested endpoint. On success the
// endpoint is APPLIED, indexed and persisted. On failure its reservation is
// released and it ends up FAILED.
func (m *Manager) Apply(ep *Endpoint) error {
	defer m.notify()

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.pending[ep.ID]
	if !ok {
		if _, applied := m.applied[ep.ID]; applied {
			return fmt.Errorf("endpoint %s is already applied: %w", ep.ID, ErrConflict)
		}
		return fmt.Errorf("endpoint %s is not requested: %w", ep.ID, ErrNotFound)
	}

	if err := m.redirector.Apply(current.Redirection()); err != nil {
		delete(m.pending, current.ID)
		m.pool.Free(current.PublicIP, current.PublicPort)
		current.State = StateFailed
		ep.State = StateFailed
		m.logger.Error("failed to apply endpoint", zap.String("endpoint", current.String()), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}

	delete(m.pending, current.ID)
	current.State = StateApplied
	ep.State = StateApplied
	m.indexLocked(current)
	m.persistLocked()

	m.logger.Info("endpoint applied", zap.String("endpoint", current.String()))
	return nil
}

// Terminate removes the NAT chains of an applied endpoint and frees its
// public pair. Chains already gone are not an error.
func (m *Manager) Terminate(ep *Endpoint) error {
	defer m.notify()

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.applied[ep.ID]
	if !ok {
		return fmt.Errorf("endpoint %s is not applied: %w", ep.ID, ErrNotFound)
	}

	if err := m.redirector.Remove(current.ID); err != nil {
		m.logger.Error("failed to terminate endpoint", zap.String("endpoint", current.String()), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}

	m.unindexLocked(current)
	m.pool.Free(current.PublicIP, current.PublicPort)
	current.State = StateTerminated
	ep.State = StateTerminated
	m.persistLocked()

	m.logger.Info("endpoint terminated", zap.String("endpoint", current.String()))
	return nil
}

// Release drops the reservation of a requested endpoint that will not be applied.
func (m *Manager) Release(ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.pending[ep.ID]
	if !ok {
		return fmt.Errorf("endpoint %s is not requested: %w", ep.ID, ErrNotFound)
	}
	delete(m.pending, current.ID)
	m.pool.Free(current.PublicIP, current.PublicPort)
	current.State = StateTerminated
	ep.State = StateTerminated
	return nil
}

// LookupByPublic returns the applied endpoint owning (ip, port).
func (m *Manager) LookupByPublic(ip net.IP, port int) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.public[ip.String()][port]
	if !ok {
		return nil, fmt.Errorf("public %s: %w", hostPort(ip, port), ErrNotFound)
	}
	return ep.clone(), nil
}

// LookupByPrivate returns the oldest applied endpoint redirecting to (ip, port).
func (m *Manager) LookupByPrivate(ip net.IP, port int) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eps := m.private[ip.String()][port]
	if len(eps) == 0 {
		return nil, fmt.Errorf("private %s: %w", hostPort(ip, port), ErrNotFound)
	}
	return eps[0].clone(), nil
}

// PublicMapping returns the applied endpoints of a public address by port.
// The map is empty when there are none.
func (m *Manager) PublicMapping(ip net.IP) map[int]*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int]*Endpoint)
	for port, ep := range m.public[ip.String()] {
		out[port] = ep.clone()
	}
	return out
}

// PrivateMapping returns the applied endpoints of a private address by port.
func (m *Manager) PrivateMapping(ip net.IP) map[int][]*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int][]*Endpoint)
	for port, eps := range m.private[ip.String()] {
		out[port] = cloneAll(eps)
	}
	return out
}

// List returns endpoints by public address and port. With appliedOnly unset
// requested endpoints are included.
func (m *Manager) List(appliedOnly bool) map[string]map[int]*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[int]*Endpoint)
	add := func(ep *Endpoint) {
		key := ep.PublicIP.String()
		if out[key] == nil {
			out[key] = make(map[int]*Endpoint)
		}
		out[key][ep.PublicPort] = ep.clone()
	}
	for _, ep := range m.applied {
		add(ep)
	}
	if !appliedOnly {
		for _, ep := range m.pending {
			add(ep)
		}
	}
	return out
}

// ListPrivate returns endpoints by private address and port, oldest first.
func (m *Manager) ListPrivate(appliedOnly bool) map[string]map[int][]*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eps := m.sortedLocked(appliedOnly)
	out := make(map[string]map[int][]*Endpoint)
	for _, ep := range eps {
		key := ep.PrivateIP.String()
		if out[key] == nil {
			out[key] = make(map[int][]*Endpoint)
		}
		out[key][ep.PrivatePort] = append(out[key][ep.PrivatePort], ep.clone())
	}
	return out
}

// Applied returns the applied endpoints, oldest first.
func (m *Manager) Applied() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.sortedLocked(true))
}

// ActiveIDs returns the ids of the applied endpoints. Cleanup iterates this
// registry instead of discovering chains by name.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.applied))
	for id := range m.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdatePool replaces the managed public addresses and port range. Endpoints
// on removed addresses stay applied.
func (m *Manager) UpdatePool(ips []net.IP, portMin, portMax int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.pool.Update(ips, portMin, portMax); err != nil {
		return err
	}
	m.logger.Info("public pool updated",
		zap.Int("addresses", len(ips)),
		zap.Int("port_min", portMin),
		zap.Int("port_max", portMax),
	)
	return nil
}

// Restore re-applies the endpoints persisted in the store. Chains left over
// for an endpoint are swept before it is applied again. Endpoints that cannot
// be restored are skipped and reported together; the others are applied.
// Skipped records stay in the store, so a later restore or cleanup still
// knows their ids.
func (m *Manager) Restore() error {
	defer m.notify()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if snap.NextID > m.nextID {
		m.nextID = snap.NextID
	}

	var errs []error
	restored := 0
	m.unrestored = nil
	for _, rec := range snap.Endpoints {
		if err := m.restoreLocked(rec); err != nil {
			errs = append(errs, fmt.Errorf("restore endpoint %s: %w", rec.ID, err))
			if _, dup := m.applied[rec.ID]; !dup && rec.ID != "" {
				m.unrestored = append(m.unrestored, rec)
			}
			continue
		}
		restored++
	}
	m.persistLocked()

	m.logger.Info("restored endpoints", zap.Int("restored", restored), zap.Int("failed", len(errs)))
	return multierr.Combine(errs...)
}

func (m *Manager) restoreLocked(rec Record) error {
	ep, err := rec.endpoint()
	if err != nil {
		return err
	}
	if _, exists := m.applied[ep.ID]; exists {
		return fmt.Errorf("id already in use: %w", ErrConflict)
	}
	m.bumpIDLocked(ep.ID)

	leftover, err := m.redirector.EndpointChainsExist(ep.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if leftover {
		m.logger.Warn("sweeping leftover chains",
			zap.String("endpoint", ep.String()),
			zap.Error(ErrPartialState),
		)
		if err := m.redirector.Remove(ep.ID); err != nil {
			return fmt.Errorf("%w: %w", ErrBackend, err)
		}
	}

	if err := m.pool.Reserve(ep.PublicIP, ep.PublicPort, ep.ID); err != nil {
		return err
	}
	if err := m.redirector.Apply(ep.Redirection()); err != nil {
		m.pool.Free(ep.PublicIP, ep.PublicPort)
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	ep.State = StateApplied
	m.indexLocked(ep)
	return nil
}

func (m *Manager) newIDLocked() string {
	for {
		id := strconv.FormatUint(m.nextID, 36)
		m.nextID++
		if _, taken := m.applied[id]; taken {
			continue
		}
		if _, taken := m.pending[id]; taken {
			continue
		}
		return id
	}
}

// bumpIDLocked keeps the counter ahead of a restored id.
func (m *Manager) bumpIDLocked(id string) {
	if n, err := strconv.ParseUint(id, 36, 64); err == nil && n >= m.nextID {
		m.nextID = n + 1
	}
}

func (m *Manager) indexLocked(ep *Endpoint) {
	m.applied[ep.ID] = ep

	pub := ep.PublicIP.String()
	if m.public[pub] == nil {
		m.public[pub] = make(map[int]*Endpoint)
	}
	m.public[pub][ep.PublicPort] = ep

	priv := ep.PrivateIP.String()
	if m.private[priv] == nil {
		m.private[priv] = make(map[int][]*Endpoint)
	}
	m.private[priv][ep.PrivatePort] = append(m.private[priv][ep.PrivatePort], ep)
}

func (m *Manager) unindexLocked(ep *Endpoint) {
	delete(m.applied, ep.ID)

	pub := ep.PublicIP.String()
	delete(m.public[pub], ep.PublicPort)
	if len(m.public[pub]) == 0 {
		delete(m.public, pub)
	}

	priv := ep.PrivateIP.String()
	eps := m.private[priv][ep.PrivatePort]
	for i, other := range eps {
		if other.ID == ep.ID {
			eps = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	if len(eps) == 0 {
		delete(m.private[priv], ep.PrivatePort)
	} else {
		m.private[priv][ep.PrivatePort] = eps
	}
	if len(m.private[priv]) == 0 {
		delete(m.private, priv)
	}
}

// persistLocked saves the applied endpoints. A failed save is logged: the
// kernel already holds the rules and the in-memory state stays authoritative.
func (m *Manager) persistLocked() {
	snap := &Snapshot{NextID: m.nextID}
	for _, ep := range m.sortedLocked(true) {
		snap.Endpoints = append(snap.Endpoints, newRecord(ep))
	}
	snap.Endpoints = append(snap.Endpoints, m.unrestored...)
	if err := m.store.Save(snap); err != nil {
		m.logger.Error("failed to persist endpoints", zap.Int("endpoints", len(snap.Endpoints)), zap.Error(err))
	}
}

func (m *Manager) sortedLocked(appliedOnly bool) []*Endpoint {
	eps := make([]*Endpoint, 0, len(m.applied)+len(m.pending))
	for _, ep := range m.applied {
		eps = append(eps, ep)
	}
	if !appliedOnly {
		for _, ep := range m.pending {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool {
		if !eps[i].Created.Equal(eps[j].Created) {
			return eps[i].Created.Before(eps[j].Created)
		}
		return eps[i].ID < eps[j].ID
	})
	return eps
}

// notify hands the applied endpoints to the change callback. Callers defer
// it before taking the lock so it runs after the lock is released.
func (m *Manager) notify() {
	m.mu.RLock()
	fn := m.onChange
	applied := cloneAll(m.sortedLocked(true))
	m.mu.RUnlock()

	if fn != nil {
		fn(applied)
	}
}

func cloneAll(eps []*Endpoint) []*Endpoint {
	out := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.clone())
	}
	return out
}
