// Package sbdb defines the subset of the OVN_Southbound schema the agent
// monitors, as libovsdb models.
package sbdb

import (
	"github.com/ovn-org/libovsdb/model"
)

// DatabaseName is the OVSDB schema name of the OVN Southbound database.
const DatabaseName = "OVN_Southbound"

// Table names.
const (
	PortBindingTable     = "Port_Binding"
	ChassisTable         = "Chassis"
	ChassisPrivateTable  = "Chassis_Private"
	DatapathBindingTable = "Datapath_Binding"
	EncapTable           = "Encap"
)

// Port_Binding type values the agent distinguishes.
const (
	PortTypeVIF             = ""
	PortTypeVirtual         = "virtual"
	PortTypePatch           = "patch"
	PortTypeLocalnet        = "localnet"
	PortTypeChassisRedirect = "chassisredirect"
)

// Logical port name prefixes.
const (
	// ChassisRedirectPrefix marks the gateway port of a distributed router.
	ChassisRedirectPrefix = "cr-"
	// RouterPortPrefix marks a router interface port.
	RouterPortPrefix = "lrp-"
)

// PortBinding is a row of the Port_Binding table.
type PortBinding struct {
	UUID         string            `ovsdb:"_uuid"`
	LogicalPort  string            `ovsdb:"logical_port"`
	Chassis      *string           `ovsdb:"chassis"`
	Type         string            `ovsdb:"type"`
	Options      map[string]string `ovsdb:"options"`
	MAC          []string          `ovsdb:"mac"`
	NatAddresses []string          `ovsdb:"nat_addresses"`
	ExternalIDs  map[string]string `ovsdb:"external_ids"`
	Datapath     string            `ovsdb:"datapath"`
	TunnelKey    int               `ovsdb:"tunnel_key"`
	Tag          *int              `ovsdb:"tag"`
	Up           *bool             `ovsdb:"up"`
}

// Chassis is a row of the Chassis table.
type Chassis struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Hostname    string            `ovsdb:"hostname"`
	Encaps      []string          `ovsdb:"encaps"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	OtherConfig map[string]string `ovsdb:"other_config"`
}

// ChassisPrivate is a row of the Chassis_Private table, written by
// ovn-controller on the chassis it describes.
type ChassisPrivate struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Chassis     *string           `ovsdb:"chassis"`
	NbCfg       int               `ovsdb:"nb_cfg"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// DatapathBinding is a row of the Datapath_Binding table.
type DatapathBinding struct {
	UUID        string            `ovsdb:"_uuid"`
	TunnelKey   int               `ovsdb:"tunnel_key"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Encap is a row of the Encap table.
type Encap struct {
	UUID        string            `ovsdb:"_uuid"`
	Type        string            `ovsdb:"type"`
	IP          string            `ovsdb:"ip"`
	Options     map[string]string `ovsdb:"options"`
	ChassisName string            `ovsdb:"chassis_name"`
}

// FullDatabaseModel returns the client model including Chassis_Private,
// present in OVN 20.09 and later.
func FullDatabaseModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel(DatabaseName, map[string]model.Model{
		PortBindingTable:     &PortBinding{},
		ChassisTable:         &Chassis{},
		ChassisPrivateTable:  &ChassisPrivate{},
		DatapathBindingTable: &DatapathBinding{},
		EncapTable:           &Encap{},
	})
}

// LegacyDatabaseModel returns the client model for schemas without
// Chassis_Private.
func LegacyDatabaseModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel(DatabaseName, map[string]model.Model{
		PortBindingTable:     &PortBinding{},
		ChassisTable:         &Chassis{},
		DatapathBindingTable: &DatapathBinding{},
		EncapTable:           &Encap{},
	})
}
