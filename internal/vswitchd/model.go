// Package vswitchd defines the local Open_vSwitch database models the agent
// reads its node identity and bridge mappings from.
package vswitchd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ovn-org/libovsdb/model"
)

// DatabaseName is the OVSDB schema name of the local switch database.
const DatabaseName = "Open_vSwitch"

// Table names.
const (
	OpenvSwitchTable = "Open_vSwitch"
	BridgeTable      = "Bridge"
)

// external_ids keys written by the OVN deployment tooling.
const (
	ExternalIDSystemID       = "system-id"
	ExternalIDOVNRemote      = "ovn-remote"
	ExternalIDBridgeMappings = "ovn-bridge-mappings"
)

// OpenvSwitch is the single row of the Open_vSwitch table.
type OpenvSwitch struct {
	UUID        string            `ovsdb:"_uuid"`
	Bridges     []string          `ovsdb:"bridges"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	OtherConfig map[string]string `ovsdb:"other_config"`
}

// Bridge is a row of the Bridge table.
type Bridge struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Ports       []string          `ovsdb:"ports"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// DatabaseModel returns the client model for the local switch database.
func DatabaseModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel(DatabaseName, map[string]model.Model{
		OpenvSwitchTable: &OpenvSwitch{},
		BridgeTable:      &Bridge{},
	})
}

// Errors returned when the local node identity is incomplete.
var (
	// ErrNoSystemID indicates external_ids:system-id is not set.
	ErrNoSystemID = errors.New("open_vswitch external_ids:system-id is not set")

	// ErrNoOVNRemote indicates external_ids:ovn-remote is not set.
	ErrNoOVNRemote = errors.New("open_vswitch external_ids:ovn-remote is not set")

	// ErrMalformedBridgeMapping indicates an ovn-bridge-mappings entry
	// that is not of the form network:bridge.
	ErrMalformedBridgeMapping = errors.New("malformed ovn-bridge-mappings entry")
)

// BridgeMapping binds a provider network name to a local OVS bridge.
type BridgeMapping struct {
	Network string
	Bridge  string
}

// OwnChassis returns the chassis name of this node.
func (o *OpenvSwitch) OwnChassis() (string, error) {
	name := o.ExternalIDs[ExternalIDSystemID]
	if name == "" {
		return "", ErrNoSystemID
	}
	return name, nil
}

// OVNRemote returns the Southbound connection string.
func (o *OpenvSwitch) OVNRemote() (string, error) {
	remote := o.ExternalIDs[ExternalIDOVNRemote]
	if remote == "" {
		return "", ErrNoOVNRemote
	}
	return remote, nil
}

// BridgeMappings parses external_ids:ovn-bridge-mappings, preserving order.
// An unset key yields an empty slice.
func (o *OpenvSwitch) BridgeMappings() ([]BridgeMapping, error) {
	return ParseBridgeMappings(o.ExternalIDs[ExternalIDBridgeMappings])
}

// ParseBridgeMappings parses "net1:br-ex,net2:br-vlan".
func ParseBridgeMappings(raw string) ([]BridgeMapping, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	entries := strings.Split(raw, ",")
	mappings := make([]BridgeMapping, 0, len(entries))
	for _, entry := range entries {
		network, bridge, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || network == "" || bridge == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedBridgeMapping, entry)
		}
		mappings = append(mappings, BridgeMapping{Network: network, Bridge: bridge})
	}
	return mappings, nil
}
