package arp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no IPv4 neighbour carries the MAC address.
var ErrNotFound = errors.New("mac address not found")

// Resolver maps a MAC address to the IPv4 address it was last seen with.
type Resolver interface {
	Resolve(mac string) (net.IP, error)
}

// Neighbor is one entry of the kernel neighbour table.
type Neighbor struct {
	IP  net.IP
	MAC net.HardwareAddr
}

// NeighborSource lists the IPv4 neighbours the kernel knows about.
type NeighborSource interface {
	Neighbors() ([]Neighbor, error)
}

// NeighResolver answers lookups from the kernel neighbour table and keeps hits
// in an expiring LRU cache, so repeated lookups do not dump the table.
type NeighResolver struct {
	source NeighborSource
	cache  *expirable.LRU[string, string]
	logger *zap.Logger
}

// NewNeighResolver creates a resolver reading the kernel neighbour table.
func NewNeighResolver(cacheSize int, ttl time.Duration, logger *zap.Logger) *NeighResolver {
	return newNeighResolver(newNetlinkSource(), cacheSize, ttl, logger)
}

func newNeighResolver(source NeighborSource, cacheSize int, ttl time.Duration, logger *zap.Logger) *NeighResolver {
	return &NeighResolver{
		source: source,
		cache:  expirable.NewLRU[string, string](cacheSize, nil, ttl),
		logger: logger,
	}
}

// Resolve returns the IPv4 address of mac. On a cache miss the neighbour
// table is read once and every entry is cached.
func (r *NeighResolver) Resolve(mac string) (net.IP, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid mac address %q: %w", mac, err)
	}
	key := hw.String()

	if cached, ok := r.cache.Get(key); ok {
		return net.ParseIP(cached).To4(), nil
	}

	neighbors, err := r.source.Neighbors()
	if err != nil {
		return nil, fmt.Errorf("failed to read neighbour table: %w", err)
	}

	var found net.IP
	for _, n := range neighbors {
		ip := n.IP.To4()
		if ip == nil || len(n.MAC) == 0 {
			continue
		}
		r.cache.Add(n.MAC.String(), ip.String())
		if found == nil && n.MAC.String() == key {
			found = ip
		}
	}
	if found == nil {
		r.logger.Debug("mac address not in neighbour table", zap.String("mac", key), zap.Int("neighbors", len(neighbors)))
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return found, nil
}
