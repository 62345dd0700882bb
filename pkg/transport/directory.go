package transport

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ZentaChain/zentalk-engine/pkg/encoding"
	"github.com/ZentaChain/zentalk-engine/pkg/identity"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

const deviceKeyPrefix = "zentalk-device:"

// Directory maps device UIDs to the peers hosting them, and identities to
// the devices seen for them
type Directory struct {
	mu      sync.RWMutex
	peers   map[encoding.UID]peer.ID
	devices map[identity.Identity][]encoding.UID
}

func NewDirectory() *Directory {
	return &Directory{
		peers:   make(map[encoding.UID]peer.ID),
		devices: make(map[identity.Identity][]encoding.UID),
	}
}

// Learn records that device belongs to id and is reachable at p.
// A zero identity only records the peer.
func (d *Directory) Learn(id identity.Identity, device encoding.UID, p peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.peers[device] = p
	if id.IsZero() {
		return
	}
	if !slices.Contains(d.devices[id], device) {
		d.devices[id] = append(d.devices[id], device)
	}
}

func (d *Directory) Peer(device encoding.UID) (peer.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[device]
	return p, ok
}

// Devices lists the devices known for id
func (d *Directory) Devices(id identity.Identity) []encoding.UID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.devices[id])
}

// Forget drops the peer of a device, e.g. after it stopped answering
func (d *Directory) Forget(device encoding.UID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, device)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// DeviceKey is the content identifier a device is announced under on the DHT
func DeviceKey(device encoding.UID) (cid.Cid, error) {
	h, err := multihash.Sum(append([]byte(deviceKeyPrefix), device[:]...), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash device key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, h), nil
}
