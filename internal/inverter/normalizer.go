package inverter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"sungrow-telemetry/internal/telemetry"
)

// fieldMap maps sample fields to register names.
var fieldMap = map[string]string{
	"pv_power_w":      "total_dc_power",
	"pv_daily_kwh":    "daily_pv_generation",
	"battery_power_w": "battery_power",
	"battery_soc_pct": "battery_soc",
	"battery_temp_c":  "battery_temperature",
	"load_power_w":    "load_power",
	"export_power_w":  "export_power",
}

// Normalizer converts raw register words into validated samples. It has no
// clock and no I/O beyond logging; device ID and timestamp come from the
// caller.
type Normalizer struct {
	log *zap.Logger
}

func NewNormalizer(log *zap.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize builds a sample from the raw word lists produced by a poll
// cycle. The whole sample is rejected if any required register is missing
// or fails range validation; pv_daily_kwh and battery_temp_c are optional
// and stay nil when their register is absent. Two quirks of real
// installations are handled:
// inverters without the export estimate register fall back to -grid_power,
// and 32-bit registers whose firmware actually serves a 16-bit value in
// the low word are re-decoded as S16 when the naive decode is out of range.
func (n *Normalizer) Normalize(raw map[string][]uint16, deviceID string, ts time.Time) (*telemetry.Sample, error) {
	fields := make(map[string]float64, len(fieldMap))

	for fieldName, regName := range fieldMap {
		reg, ok := RegisterByName(regName)
		if !ok {
			return nil, fmt.Errorf("register %q not defined", regName)
		}

		if fieldName == "export_power_w" {
			if _, present := raw[regName]; !present {
				gridReg, _ := RegisterByName("grid_power")
				gridValue, err := n.extract(gridReg, raw)
				if err != nil {
					return nil, fmt.Errorf("export_power missing and grid_power fallback failed: %w", err)
				}
				n.log.Warn("export_power register missing, falling back to -grid_power",
					zap.String("device_id", deviceID))
				fields[fieldName] = -gridValue
				continue
			}
		}

		if fieldName == "pv_daily_kwh" || fieldName == "battery_temp_c" {
			if _, present := raw[regName]; !present {
				continue
			}
		}

		value, err := n.extract(reg, raw)
		if err != nil {
			n.log.Warn("rejecting sample",
				zap.String("device_id", deviceID),
				zap.String("register", regName),
				zap.Error(err))
			return nil, err
		}
		fields[fieldName] = value
	}

	var pvDaily, batteryTemp *float64
	if v, ok := fields["pv_daily_kwh"]; ok {
		pvDaily = &v
	}
	if v, ok := fields["battery_temp_c"]; ok {
		batteryTemp = &v
	}

	return &telemetry.Sample{
		DeviceID:      deviceID,
		TS:            ts.UTC(),
		PVPowerW:      fields["pv_power_w"],
		PVDailyKWh:    pvDaily,
		BatteryPowerW: fields["battery_power_w"],
		BatterySOCPct: fields["battery_soc_pct"],
		BatteryTempC:  batteryTemp,
		LoadPowerW:    fields["load_power_w"],
		ExportPowerW:  fields["export_power_w"],
		SampleCount:   1,
	}, nil
}

// extract decodes, scales and range-checks one register from the raw map.
func (n *Normalizer) extract(reg Register, raw map[string][]uint16) (float64, error) {
	words, ok := raw[reg.Name]
	if !ok {
		return 0, fmt.Errorf("register %q missing from raw data", reg.Name)
	}
	if len(words) < int(reg.Type.Words()) {
		return 0, fmt.Errorf("register %q: expected %d words, got %d", reg.Name, reg.Type.Words(), len(words))
	}

	var rawInt int64
	switch reg.Type {
	case U16:
		rawInt = int64(words[0])
	case S16:
		rawInt = int64(int16(words[0]))
	case U32:
		rawInt = int64(assembleU32(words[0], words[1]))
	case S32:
		rawInt = int64(int32(assembleU32(words[0], words[1])))
	default:
		return 0, fmt.Errorf("register %q: unsupported type %q", reg.Name, reg.Type)
	}

	scaled := float64(rawInt) * reg.Scale
	if scaled >= reg.Min && scaled <= reg.Max {
		return scaled, nil
	}

	// Some firmwares expose a legacy S16 value in the low word of documented
	// S32 registers, e.g. load_power words [0x0000, 0xF230].
	if reg.Type == S32 && (words[0] == 0x0000 || words[0] == 0xFFFF) {
		alt := float64(int16(words[1])) * reg.Scale
		if alt >= reg.Min && alt <= reg.Max {
			n.log.Warn("S32 value out of range, using legacy low-word S16 fallback",
				zap.String("register", reg.Name),
				zap.Float64("rejected", scaled),
				zap.Float64("fallback", alt))
			return alt, nil
		}
	}

	return 0, fmt.Errorf("register %q: value %g outside range [%g, %g]", reg.Name, scaled, reg.Min, reg.Max)
}

// assembleU32 joins two Modbus words, high word first.
func assembleU32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}
