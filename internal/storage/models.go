package storage

import (
	"time"

	"sungrow-telemetry/internal/telemetry"
)

// sampleRow is the persisted form of a telemetry sample. The table is a
// hypertable keyed on (device_id, ts) so replayed uploads land on the
// same row and are dropped by the insert's conflict clause.
type sampleRow struct {
	DeviceID      string    `gorm:"column:device_id;primaryKey"`
	TS            time.Time `gorm:"column:ts;primaryKey"`
	PVPowerW      float64   `gorm:"column:pv_power_w"`
	PVDailyKWh    *float64  `gorm:"column:pv_daily_kwh"`
	BatteryPowerW float64   `gorm:"column:battery_power_w"`
	BatterySOCPct float64   `gorm:"column:battery_soc_pct"`
	BatteryTempC  *float64  `gorm:"column:battery_temp_c"`
	LoadPowerW    float64   `gorm:"column:load_power_w"`
	ExportPowerW  float64   `gorm:"column:export_power_w"`
	SampleCount   int       `gorm:"column:sample_count"`
}

func (sampleRow) TableName() string { return "samples" }

func rowFromSample(s telemetry.Sample) sampleRow {
	return sampleRow{
		DeviceID:      s.DeviceID,
		TS:            s.TS.UTC(),
		PVPowerW:      s.PVPowerW,
		PVDailyKWh:    s.PVDailyKWh,
		BatteryPowerW: s.BatteryPowerW,
		BatterySOCPct: s.BatterySOCPct,
		BatteryTempC:  s.BatteryTempC,
		LoadPowerW:    s.LoadPowerW,
		ExportPowerW:  s.ExportPowerW,
		SampleCount:   s.SampleCount,
	}
}

func (r sampleRow) toSample() *telemetry.Sample {
	return &telemetry.Sample{
		DeviceID:      r.DeviceID,
		TS:            r.TS.UTC(),
		PVPowerW:      r.PVPowerW,
		PVDailyKWh:    r.PVDailyKWh,
		BatteryPowerW: r.BatteryPowerW,
		BatterySOCPct: r.BatterySOCPct,
		BatteryTempC:  r.BatteryTempC,
		LoadPowerW:    r.LoadPowerW,
		ExportPowerW:  r.ExportPowerW,
		SampleCount:   r.SampleCount,
	}
}

// SeriesPoint is one bucket of an aggregated time series.
type SeriesPoint struct {
	Bucket           time.Time `gorm:"column:bucket" json:"bucket"`
	AvgPVPowerW      float64   `gorm:"column:avg_pv_power_w" json:"avg_pv_power_w"`
	MaxPVPowerW      float64   `gorm:"column:max_pv_power_w" json:"max_pv_power_w"`
	AvgBatteryPowerW float64   `gorm:"column:avg_battery_power_w" json:"avg_battery_power_w"`
	AvgBatterySOCPct float64   `gorm:"column:avg_battery_soc_pct" json:"avg_battery_soc_pct"`
	AvgLoadPowerW    float64   `gorm:"column:avg_load_power_w" json:"avg_load_power_w"`
	AvgExportPowerW  float64   `gorm:"column:avg_export_power_w" json:"avg_export_power_w"`
	SampleCount      int64     `gorm:"column:sample_count" json:"sample_count"`
}
