//go:build linux

package arp

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

type netlinkSource struct{}

func newNetlinkSource() NeighborSource {
	return netlinkSource{}
}

// Neighbors lists the IPv4 neighbours of every link, skipping failed and
// incomplete entries.
func (netlinkSource) Neighbors() ([]Neighbor, error) {
	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("netlink neighbour list: %w", err)
	}
	out := make([]Neighbor, 0, len(neighs))
	for _, n := range neighs {
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) != 0 {
			continue
		}
		out = append(out, Neighbor{IP: n.IP, MAC: n.HardwareAddr})
	}
	return out, nil
}
