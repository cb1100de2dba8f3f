package peers

import (
	"encoding/json"
	"sort"
)

// Capability tags what a peer can do for the marketplace. Unrecognized tags
// are preserved verbatim so newer peers stay forward-compatible.
type Capability string

const (
	CapabilityRelay        Capability = "relay"
	CapabilityCompute      Capability = "compute"
	CapabilityStorage      Capability = "storage"
	CapabilityAssetHosting Capability = "asset-hosting"
)

var knownCapabilities = map[Capability]struct{}{
	CapabilityRelay:        {},
	CapabilityCompute:      {},
	CapabilityStorage:      {},
	CapabilityAssetHosting: {},
}

// Known reports whether the capability is one of the canonical tags.
func (c Capability) Known() bool {
	_, ok := knownCapabilities[c]
	return ok
}

// CapabilitySet is a set of capability tags. It marshals as a sorted list.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from raw tags, keeping unknown tags.
func NewCapabilitySet(tags ...string) CapabilitySet {
	set := make(CapabilitySet, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		set[Capability(t)] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Add inserts a capability.
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// Tags returns the sorted raw tags.
func (s CapabilitySet) Tags() []string {
	tags := make([]string, 0, len(s))
	for c := range s {
		tags = append(tags, string(c))
	}
	sort.Strings(tags)
	return tags
}

// Unknown returns the tags that are not canonical capabilities.
func (s CapabilitySet) Unknown() []string {
	var out []string
	for c := range s {
		if !c.Known() {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders the set as a sorted string list.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Tags())
}

// UnmarshalJSON parses a string list into the set.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewCapabilitySet(tags...)
	return nil
}
