package inverter

import "fmt"

// Register map for the Sungrow SH4.0RS hybrid inverter behind a WiNet-S
// Modbus TCP dongle (port 502, slave ID 1, input registers / fn 0x04).
// Registers are grouped into contiguous address ranges so the poller can
// read each group with a single request.

type RegisterType string

const (
	U16 RegisterType = "U16"
	S16 RegisterType = "S16"
	U32 RegisterType = "U32"
	S32 RegisterType = "S32"
)

// Words returns how many 16-bit Modbus words a value of this type occupies.
func (t RegisterType) Words() uint16 {
	switch t {
	case U32, S32:
		return 2
	default:
		return 1
	}
}

type Register struct {
	Address uint16
	Name    string
	Type    RegisterType
	Unit    string
	Scale   float64
	Min     float64
	Max     float64
}

type Group struct {
	Name      string
	Start     uint16
	Count     uint16
	Registers []Register
}

const (
	GroupPV      = "pv"
	GroupExport  = "export"
	GroupLoad    = "load"
	GroupBattery = "battery"
)

// Device identification registers, read once by the connection test.
const (
	RegSerialNumber   uint16 = 4990 // up to 20 ASCII chars in 10 words
	SerialNumberWords uint16 = 10
	RegDeviceTypeCode uint16 = 5000
)

var pvGroup = Group{
	Name:  GroupPV,
	Start: 5004,
	Count: 15, // 5004..5018 inclusive
	Registers: []Register{
		{Address: 5004, Name: "total_dc_power", Type: U32, Unit: "W", Scale: 1, Min: 0, Max: 20000},
		{Address: 5011, Name: "daily_pv_generation", Type: U16, Unit: "kWh", Scale: 0.1, Min: 0, Max: 100},
		{Address: 5012, Name: "mppt1_voltage", Type: U16, Unit: "V", Scale: 0.1, Min: 0, Max: 600},
		{Address: 5013, Name: "mppt1_current", Type: U16, Unit: "A", Scale: 0.1, Min: 0, Max: 20},
		{Address: 5014, Name: "mppt2_voltage", Type: U16, Unit: "V", Scale: 0.1, Min: 0, Max: 600},
		{Address: 5015, Name: "mppt2_current", Type: U16, Unit: "A", Scale: 0.1, Min: 0, Max: 20},
		{Address: 5017, Name: "total_pv_generation", Type: U32, Unit: "kWh", Scale: 0.1, Min: 0, Max: 1000000},
	},
}

var exportGroup = Group{
	Name:  GroupExport,
	Start: 5083,
	Count: 2,
	Registers: []Register{
		{Address: 5083, Name: "export_power", Type: S32, Unit: "W", Scale: 1, Min: -20000, Max: 20000},
	},
}

var loadGroup = Group{
	Name:  GroupLoad,
	Start: 13008,
	Count: 10, // 13008..13017 inclusive
	Registers: []Register{
		{Address: 13008, Name: "load_power", Type: S32, Unit: "W", Scale: 1, Min: -20000, Max: 50000},
		{Address: 13010, Name: "grid_power", Type: S16, Unit: "W", Scale: 1, Min: -20000, Max: 20000},
		{Address: 13017, Name: "daily_direct_consumption", Type: U16, Unit: "kWh", Scale: 0.1, Min: 0, Max: 200},
	},
}

var batteryGroup = Group{
	Name:  GroupBattery,
	Start: 13022,
	Count: 6, // 13022..13027 inclusive
	Registers: []Register{
		{Address: 13022, Name: "battery_power", Type: S16, Unit: "W", Scale: 1, Min: -10000, Max: 10000},
		{Address: 13023, Name: "battery_soc", Type: U16, Unit: "%", Scale: 0.1, Min: 0, Max: 100},
		{Address: 13024, Name: "battery_temperature", Type: U16, Unit: "C", Scale: 0.1, Min: -20, Max: 60},
		{Address: 13026, Name: "daily_battery_discharge", Type: U16, Unit: "kWh", Scale: 0.1, Min: 0, Max: 100},
		{Address: 13027, Name: "daily_battery_charge", Type: U16, Unit: "kWh", Scale: 0.1, Min: 0, Max: 100},
	},
}

// AllGroups returns the register groups in read order.
func AllGroups() []Group {
	return []Group{pvGroup, exportGroup, loadGroup, batteryGroup}
}

// RegisterByName returns the definition of a single register.
func RegisterByName(name string) (Register, bool) {
	for _, g := range AllGroups() {
		for _, r := range g.Registers {
			if r.Name == name {
				return r, true
			}
		}
	}
	return Register{}, false
}

// ValidateGroups checks the structural invariants of the register map:
// unique names and addresses, registers contained in their group's address
// window, positive scales and ordered ranges.
func ValidateGroups(groups []Group) error {
	names := make(map[string]bool)
	addrs := make(map[uint16]bool)

	for _, g := range groups {
		if g.Count == 0 {
			return fmt.Errorf("group %q: count must be > 0", g.Name)
		}
		end := uint32(g.Start) + uint32(g.Count)
		for _, r := range g.Registers {
			if names[r.Name] {
				return fmt.Errorf("register %q: duplicate name", r.Name)
			}
			names[r.Name] = true

			for w := uint16(0); w < r.Type.Words(); w++ {
				if addrs[r.Address+w] {
					return fmt.Errorf("register %q: address %d already claimed", r.Name, r.Address+w)
				}
				addrs[r.Address+w] = true
			}

			if r.Address < g.Start || uint32(r.Address)+uint32(r.Type.Words()) > end {
				return fmt.Errorf("register %q: address %d outside group %q window [%d, %d)",
					r.Name, r.Address, g.Name, g.Start, end)
			}
			if r.Scale <= 0 {
				return fmt.Errorf("register %q: scale must be > 0, got %g", r.Name, r.Scale)
			}
			if r.Min > r.Max {
				return fmt.Errorf("register %q: min %g > max %g", r.Name, r.Min, r.Max)
			}
		}
	}
	return nil
}

// SliceGroup splits a group-level word slice into per-register word slices,
// keyed by register name.
func SliceGroup(g Group, words []uint16, out map[string][]uint16) error {
	if len(words) < int(g.Count) {
		return fmt.Errorf("group %q: expected %d words, got %d", g.Name, g.Count, len(words))
	}
	for _, r := range g.Registers {
		offset := r.Address - g.Start
		out[r.Name] = words[offset : offset+r.Type.Words()]
	}
	return nil
}
