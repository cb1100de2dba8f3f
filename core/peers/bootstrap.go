package peers

import (
	"github.com/multiformats/go-multiaddr"

	"github.com/joymesh/joymesh/core/errs"
)

const bootstrapPath = "bootstrap_peers"

// BootstrapPeer is an allow-list entry that can be materialized into a full
// peer record.
type BootstrapPeer struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	DID          string   `json:"did"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities"`
}

type bootstrapList struct {
	Peers []BootstrapPeer `json:"peers"`
}

func (d *Directory) loadBootstrap() (*bootstrapList, error) {
	var list bootstrapList
	if err := d.store.Read(bootstrapPath, &list); err != nil {
		if errs.IsNotFound(err) {
			return &bootstrapList{}, nil
		}
		return nil, err
	}
	return &list, nil
}

// AddBootstrapPeer appends an entry to the allow-list, replacing any entry
// with the same id.
func (d *Directory) AddBootstrapPeer(bp BootstrapPeer) error {
	if bp.ID == "" {
		return errs.Validation("bootstrap peer id is required")
	}
	if bp.Address != "" {
		if _, err := multiaddr.NewMultiaddr(bp.Address); err != nil {
			return errs.Validation("invalid bootstrap address: " + bp.Address)
		}
	}

	list, err := d.loadBootstrap()
	if err != nil {
		return err
	}
	replaced := false
	for i := range list.Peers {
		if list.Peers[i].ID == bp.ID {
			list.Peers[i] = bp
			replaced = true
			break
		}
	}
	if !replaced {
		list.Peers = append(list.Peers, bp)
	}
	return d.store.Write(bootstrapPath, list)
}

// RemoveBootstrapPeer drops an entry by id. Removing an absent entry is a
// no-op.
func (d *Directory) RemoveBootstrapPeer(id string) error {
	list, err := d.loadBootstrap()
	if err != nil {
		return err
	}
	next := list.Peers[:0]
	for _, bp := range list.Peers {
		if bp.ID != id {
			next = append(next, bp)
		}
	}
	list.Peers = next
	return d.store.Write(bootstrapPath, list)
}

// BootstrapPeers returns the allow-list.
func (d *Directory) BootstrapPeers() ([]BootstrapPeer, error) {
	list, err := d.loadBootstrap()
	if err != nil {
		return nil, err
	}
	return list.Peers, nil
}

// ImportBootstrapPeers materializes every allow-list entry into a full,
// initially-offline peer record with default reputation. Returns how many
// peers were imported.
func (d *Directory) ImportBootstrapPeers() (int, error) {
	list, err := d.loadBootstrap()
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, bp := range list.Peers {
		var addrs []string
		if bp.Address != "" {
			addrs = []string{bp.Address}
		}
		p := &Peer{
			ID: bp.ID,
			Identity: PeerIdentity{
				DID:         bp.DID,
				DisplayName: bp.DisplayName,
			},
			Addresses:    addrs,
			Capabilities: NewCapabilitySet(bp.Capabilities...),
			Reputation:   DefaultReputation(),
			Connected:    false,
			Status:       StatusOffline,
		}
		if err := d.Add(p); err != nil {
			return imported, err
		}
		imported++
	}
	d.logger.Info("bootstrap peers imported", "count", imported)
	return imported, nil
}
