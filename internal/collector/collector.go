package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sungrow-telemetry/internal/health"
	"sungrow-telemetry/internal/inverter"
	"sungrow-telemetry/internal/modbus"
	"sungrow-telemetry/internal/spool"
	"sungrow-telemetry/internal/telemetry"
	"sungrow-telemetry/internal/uploader"
)

// Collector supervises the edge daemon's two loops: polling the inverter
// into the spool, and draining the spool to the server. The loops share
// only the spool; a failure in one iteration of either loop is logged and
// never stops the other loop. On shutdown both loops finish their current
// iteration and one final upload drain is attempted.
type Collector struct {
	poller     *modbus.Poller
	normalizer *inverter.Normalizer
	spool      *spool.Spool
	uploader   *uploader.Uploader
	health     *health.Writer
	log        *zap.Logger

	deviceID       string
	pollInterval   time.Duration
	uploadInterval time.Duration
	drainTimeout   time.Duration
}

type Config struct {
	Poller         *modbus.Poller
	Normalizer     *inverter.Normalizer
	Spool          *spool.Spool
	Uploader       *uploader.Uploader
	Health         *health.Writer
	Logger         *zap.Logger
	DeviceID       string
	PollInterval   time.Duration
	UploadInterval time.Duration
	DrainTimeout   time.Duration
}

func New(cfg Config) *Collector {
	return &Collector{
		poller:         cfg.Poller,
		normalizer:     cfg.Normalizer,
		spool:          cfg.Spool,
		uploader:       cfg.Uploader,
		health:         cfg.Health,
		log:            cfg.Logger,
		deviceID:       cfg.DeviceID,
		pollInterval:   cfg.PollInterval,
		uploadInterval: cfg.UploadInterval,
		drainTimeout:   cfg.DrainTimeout,
	}
}

// Run blocks until ctx is cancelled, then performs the final drain.
func (c *Collector) Run(ctx context.Context) {
	c.log.Info("collector starting",
		zap.String("device_id", c.deviceID),
		zap.Duration("poll_interval", c.pollInterval),
		zap.Duration("upload_interval", c.uploadInterval))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.uploadLoop(ctx)
	}()
	wg.Wait()

	// One best-effort drain so a clean shutdown does not strand samples
	// that were polled after the last upload tick.
	drainCtx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	c.log.Info("attempting final upload drain")
	c.uploadOnce(drainCtx)
	c.log.Info("collector stopped")
}

func (c *Collector) pollLoop(ctx context.Context) {
	c.log.Info("poll loop started")
	for {
		c.pollOnce(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("poll loop stopped")
			return
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Collector) uploadLoop(ctx context.Context) {
	c.log.Info("upload loop started")
	for {
		c.uploadOnce(ctx)

		// A failing server stretches the wait beyond the regular interval.
		wait := c.uploadInterval
		if b := c.uploader.Backoff(); b > wait {
			wait = b
		}

		select {
		case <-ctx.Done():
			c.log.Info("upload loop stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (c *Collector) pollOnce(ctx context.Context) {
	raw, err := c.poller.Poll(ctx)
	if err != nil {
		c.log.Warn("poll cycle failed", zap.Error(err))
	} else {
		sample, err := c.normalizer.Normalize(raw, c.deviceID, time.Now().UTC())
		if err != nil {
			c.log.Warn("sample rejected", zap.Error(err))
		} else {
			if err := c.spool.Enqueue(sample); err != nil {
				c.log.Error("failed to enqueue sample", zap.Error(err))
			} else {
				c.log.Info("sample enqueued",
					zap.String("device_id", sample.DeviceID),
					zap.Float64("pv_power_w", sample.PVPowerW))
			}
		}
	}

	// The heartbeat reflects every poll attempt, failed ones included.
	if count, err := c.spool.Count(); err != nil {
		c.log.Warn("failed to count spool", zap.Error(err))
	} else if err := c.health.SetSpoolCount(count); err != nil {
		c.log.Warn("failed to write health file", zap.Error(err))
	}
	if err := c.health.RecordPoll(); err != nil {
		c.log.Warn("failed to write health file", zap.Error(err))
	}
}

func (c *Collector) uploadOnce(ctx context.Context) {
	n, err := c.uploader.UploadOnce(ctx)
	if err != nil {
		c.log.Warn("upload cycle failed", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}

	if err := c.health.RecordUpload(); err != nil {
		c.log.Warn("failed to write health file", zap.Error(err))
	}
	if count, err := c.spool.Count(); err == nil {
		if err := c.health.SetSpoolCount(count); err != nil {
			c.log.Warn("failed to write health file", zap.Error(err))
		}
	}
}

// ReadOnce runs a single poll-and-normalize cycle without touching the
// spool.
func (c *Collector) ReadOnce(ctx context.Context) (*telemetry.Sample, error) {
	raw, err := c.poller.Poll(ctx)
	if err != nil {
		return nil, err
	}
	return c.normalizer.Normalize(raw, c.deviceID, time.Now().UTC())
}
