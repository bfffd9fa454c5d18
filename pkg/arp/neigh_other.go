//go:build !linux

package arp

import "errors"

type unsupportedSource struct{}

func newNetlinkSource() NeighborSource {
	return unsupportedSource{}
}

func (unsupportedSource) Neighbors() ([]Neighbor, error) {
	return nil, errors.New("neighbour table lookup is only supported on linux")
}
