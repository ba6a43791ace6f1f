package telemetry

import "time"

// Sample is one normalized inverter reading. It is the unit of exchange
// between the poller, the spool, the uploader and the ingest API.
// PVDailyKWh and BatteryTempC are pointers because the inverter does not
// always expose them.
type Sample struct {
	DeviceID      string    `json:"device_id"`
	TS            time.Time `json:"ts"`
	PVPowerW      float64   `json:"pv_power_w"`
	PVDailyKWh    *float64  `json:"pv_daily_kwh"`
	BatteryPowerW float64   `json:"battery_power_w"`
	BatterySOCPct float64   `json:"battery_soc_pct"`
	BatteryTempC  *float64  `json:"battery_temp_c"`
	LoadPowerW    float64   `json:"load_power_w"`
	ExportPowerW  float64   `json:"export_power_w"`
	SampleCount   int       `json:"sample_count"`
}
