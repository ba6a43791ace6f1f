package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sungrow-telemetry/config"
	"sungrow-telemetry/internal/telemetry"
)

// Store wraps the TimescaleDB connection used by the ingest and read
// endpoints.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func Open(cfg *config.Server, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	return &Store{db: db, log: log}, nil
}

// continuousAggregate describes one rollup view over the samples table
// together with its refresh policy.
type continuousAggregate struct {
	view        string
	bucketWidth string
	startOffset string
	endOffset   string
	schedule    string
}

var aggregates = []continuousAggregate{
	{view: "samples_hourly", bucketWidth: "1 hour", startOffset: "3 hours", endOffset: "1 hour", schedule: "1 hour"},
	{view: "samples_daily", bucketWidth: "1 day", startOffset: "3 days", endOffset: "1 day", schedule: "1 day"},
	{view: "samples_monthly", bucketWidth: "1 month", startOffset: "3 months", endOffset: "1 month", schedule: "1 day"},
}

// Migrate creates the hypertable and its rollup views. Every statement is
// idempotent so the command can run on every deploy.
func (s *Store) Migrate() error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		`CREATE TABLE IF NOT EXISTS samples (
			device_id       TEXT             NOT NULL,
			ts              TIMESTAMPTZ      NOT NULL,
			pv_power_w      DOUBLE PRECISION NOT NULL,
			pv_daily_kwh    DOUBLE PRECISION,
			battery_power_w DOUBLE PRECISION NOT NULL,
			battery_soc_pct DOUBLE PRECISION NOT NULL,
			battery_temp_c  DOUBLE PRECISION,
			load_power_w    DOUBLE PRECISION NOT NULL,
			export_power_w  DOUBLE PRECISION NOT NULL,
			sample_count    INTEGER          NOT NULL DEFAULT 1,
			PRIMARY KEY (device_id, ts)
		)`,
		`SELECT create_hypertable('samples', 'ts',
			chunk_time_interval => INTERVAL '7 days',
			if_not_exists => TRUE)`,
	}

	for _, agg := range aggregates {
		statements = append(statements,
			fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s
				WITH (timescaledb.continuous) AS
				SELECT device_id,
					time_bucket(INTERVAL '%s', ts) AS bucket,
					AVG(pv_power_w)      AS avg_pv_power_w,
					MAX(pv_power_w)      AS max_pv_power_w,
					AVG(battery_power_w) AS avg_battery_power_w,
					AVG(battery_soc_pct) AS avg_battery_soc_pct,
					AVG(load_power_w)    AS avg_load_power_w,
					AVG(export_power_w)  AS avg_export_power_w,
					SUM(sample_count)    AS sample_count
				FROM samples
				GROUP BY device_id, bucket
				WITH NO DATA`, agg.view, agg.bucketWidth),
			fmt.Sprintf(`SELECT add_continuous_aggregate_policy('%s',
				start_offset => INTERVAL '%s',
				end_offset => INTERVAL '%s',
				schedule_interval => INTERVAL '%s',
				if_not_exists => TRUE)`, agg.view, agg.startOffset, agg.endOffset, agg.schedule),
		)
	}

	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

// InsertSamples writes a batch in one transaction. Rows whose
// (device_id, ts) already exist are skipped, so the returned count is the
// number of rows actually inserted, not the batch size.
func (s *Store) InsertSamples(ctx context.Context, samples []telemetry.Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	rows := make([]sampleRow, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, rowFromSample(sample))
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert samples: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// LatestSample returns the newest sample for the device, or nil when the
// device has never reported.
func (s *Store) LatestSample(ctx context.Context, deviceID string) (*telemetry.Sample, error) {
	var row sampleRow
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("ts desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest sample: %w", err)
	}
	return row.toSample(), nil
}

type frameConfig struct {
	view        string
	bucketWidth string
	filter      string
}

var frames = map[string]frameConfig{
	"day":   {view: "samples_hourly", bucketWidth: "1 hour", filter: "bucket >= date_trunc('day', now())"},
	"month": {view: "samples_daily", bucketWidth: "1 day", filter: "bucket >= date_trunc('month', now())"},
	"year":  {view: "samples_monthly", bucketWidth: "1 month", filter: "bucket >= date_trunc('year', now())"},
	"all":   {view: "samples_monthly", bucketWidth: "1 month"},
}

// ValidFrame reports whether the frame name maps to a rollup view.
func ValidFrame(frame string) bool {
	_, ok := frames[frame]
	return ok
}

// QuerySeries returns the bucketed series for a device and frame. It reads
// the frame's rollup view; if the view does not exist yet the same
// aggregation runs against the raw table instead.
func (s *Store) QuerySeries(ctx context.Context, deviceID, frame string) ([]SeriesPoint, error) {
	cfg, ok := frames[frame]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q", frame)
	}

	query := fmt.Sprintf(`SELECT bucket, avg_pv_power_w, max_pv_power_w,
			avg_battery_power_w, avg_battery_soc_pct, avg_load_power_w,
			avg_export_power_w, sample_count
		FROM %s
		WHERE device_id = ?`, cfg.view)
	if cfg.filter != "" {
		query += " AND " + cfg.filter
	}
	query += " ORDER BY bucket ASC"

	var points []SeriesPoint
	err := s.db.WithContext(ctx).Raw(query, deviceID).Scan(&points).Error
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			s.log.Warn("rollup view missing, aggregating raw table",
				zap.String("view", cfg.view),
				zap.String("frame", frame))
			return s.querySeriesRaw(ctx, deviceID, cfg)
		}
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	return points, nil
}

func (s *Store) querySeriesRaw(ctx context.Context, deviceID string, cfg frameConfig) ([]SeriesPoint, error) {
	query := fmt.Sprintf(`SELECT time_bucket(INTERVAL '%s', ts) AS bucket,
			AVG(pv_power_w)      AS avg_pv_power_w,
			MAX(pv_power_w)      AS max_pv_power_w,
			AVG(battery_power_w) AS avg_battery_power_w,
			AVG(battery_soc_pct) AS avg_battery_soc_pct,
			AVG(load_power_w)    AS avg_load_power_w,
			AVG(export_power_w)  AS avg_export_power_w,
			SUM(sample_count)    AS sample_count
		FROM samples
		WHERE device_id = ?`, cfg.bucketWidth)
	if cfg.filter != "" {
		query += " AND " + strings.Replace(cfg.filter, "bucket", "ts", 1)
	}
	query += " GROUP BY bucket ORDER BY bucket ASC"

	var points []SeriesPoint
	if err := s.db.WithContext(ctx).Raw(query, deviceID).Scan(&points).Error; err != nil {
		return nil, fmt.Errorf("failed to query raw series: %w", err)
	}
	return points, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
