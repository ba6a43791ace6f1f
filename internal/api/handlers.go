package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sungrow-telemetry/internal/auth"
	"sungrow-telemetry/internal/storage"
	"sungrow-telemetry/internal/telemetry"
)

// sampleIn uses pointer fields so a missing required field is
// distinguishable from a legitimate zero value.
type sampleIn struct {
	DeviceID      *string    `json:"device_id"`
	TS            *time.Time `json:"ts"`
	PVPowerW      *float64   `json:"pv_power_w"`
	PVDailyKWh    *float64   `json:"pv_daily_kwh"`
	BatteryPowerW *float64   `json:"battery_power_w"`
	BatterySOCPct *float64   `json:"battery_soc_pct"`
	BatteryTempC  *float64   `json:"battery_temp_c"`
	LoadPowerW    *float64   `json:"load_power_w"`
	ExportPowerW  *float64   `json:"export_power_w"`
	SampleCount   *int       `json:"sample_count"`
}

type ingestRequest struct {
	Samples []sampleIn `json:"samples"`
}

func (in sampleIn) validate(i int) []string {
	var errs []string
	missing := func(field string) {
		errs = append(errs, fmt.Sprintf("samples[%d].%s: field required", i, field))
	}
	if in.DeviceID == nil || *in.DeviceID == "" {
		missing("device_id")
	}
	if in.TS == nil {
		missing("ts")
	}
	if in.PVPowerW == nil {
		missing("pv_power_w")
	}
	if in.BatteryPowerW == nil {
		missing("battery_power_w")
	}
	if in.BatterySOCPct == nil {
		missing("battery_soc_pct")
	}
	if in.LoadPowerW == nil {
		missing("load_power_w")
	}
	if in.ExportPowerW == nil {
		missing("export_power_w")
	}
	if in.SampleCount != nil && *in.SampleCount < 1 {
		errs = append(errs, fmt.Sprintf("samples[%d].sample_count: must be >= 1", i))
	}
	return errs
}

func (in sampleIn) toSample() telemetry.Sample {
	count := 1
	if in.SampleCount != nil {
		count = *in.SampleCount
	}
	return telemetry.Sample{
		DeviceID:      *in.DeviceID,
		TS:            in.TS.UTC(),
		PVPowerW:      *in.PVPowerW,
		PVDailyKWh:    in.PVDailyKWh,
		BatteryPowerW: *in.BatteryPowerW,
		BatterySOCPct: *in.BatterySOCPct,
		BatteryTempC:  in.BatteryTempC,
		LoadPowerW:    *in.LoadPowerW,
		ExportPowerW:  *in.ExportPowerW,
		SampleCount:   count,
	}
}

// sizeGuard rejects oversized uploads before the body is parsed. A
// declared Content-Length above the limit is refused outright; bodies
// without an honest length are capped by the MaxBytesReader installed
// here, and the handler answers 413 when that cap is hit.
func (s *Server) sizeGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("Content-Length"); raw != "" {
			length, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || length < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"detail": "Invalid Content-Length header.",
				})
				return
			}
			if length > s.maxRequestBytes {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"detail": fmt.Sprintf("Request body exceeds limit of %d bytes.", s.maxRequestBytes),
				})
				return
			}
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxRequestBytes)
		c.Next()
	}
}

func (s *Server) ingestHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"detail": fmt.Sprintf("Request body exceeds limit of %d bytes.", s.maxRequestBytes),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Failed to read request body."})
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"detail": []string{"body: invalid JSON"},
		})
		return
	}

	if len(req.Samples) == 0 {
		c.JSON(http.StatusOK, gin.H{"inserted": 0})
		return
	}

	if len(req.Samples) > s.maxSamples {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"detail": fmt.Sprintf("Batch size %d exceeds limit of %d. Split into smaller batches.",
				len(req.Samples), s.maxSamples),
		})
		return
	}

	var validationErrs []string
	for i, in := range req.Samples {
		validationErrs = append(validationErrs, in.validate(i)...)
	}
	if len(validationErrs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": validationErrs})
		return
	}

	authDevice := auth.DeviceID(c)
	for _, in := range req.Samples {
		if *in.DeviceID != authDevice {
			c.JSON(http.StatusForbidden, gin.H{
				"detail": fmt.Sprintf("Sample device_id '%s' does not match authenticated device_id '%s'.",
					*in.DeviceID, authDevice),
			})
			return
		}
	}

	samples := make([]telemetry.Sample, 0, len(req.Samples))
	for _, in := range req.Samples {
		samples = append(samples, in.toSample())
	}

	inserted, err := s.store.InsertSamples(c.Request.Context(), samples)
	if err != nil {
		s.log.Error("failed to store samples",
			zap.String("device_id", authDevice),
			zap.Int("batch_size", len(samples)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to store samples."})
		return
	}

	if inserted > 0 {
		s.cache.InvalidateRealtime(c.Request.Context(), authDevice)
	}

	s.log.Info("samples ingested",
		zap.String("device_id", authDevice),
		zap.Int("received", len(samples)),
		zap.Int64("inserted", inserted))
	c.JSON(http.StatusOK, gin.H{"inserted": inserted})
}

// requireQueryDevice validates the device_id query parameter against the
// authenticated device. The parameter must be present and match.
func (s *Server) requireQueryDevice(c *gin.Context) (string, bool) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"detail": []string{"device_id: field required"},
		})
		return "", false
	}
	if deviceID != auth.DeviceID(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"detail": "Device ID does not match authenticated device.",
		})
		return "", false
	}
	return deviceID, true
}

func (s *Server) realtimeHandler(c *gin.Context) {
	deviceID, ok := s.requireQueryDevice(c)
	if !ok {
		return
	}

	if payload, ok := s.cache.GetRealtime(c.Request.Context(), deviceID); ok {
		c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
		return
	}

	sample, err := s.store.LatestSample(c.Request.Context(), deviceID)
	if err != nil {
		s.log.Error("failed to query latest sample",
			zap.String("device_id", deviceID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to query latest sample."})
		return
	}
	if sample == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"detail": fmt.Sprintf("No data found for device_id '%s'.", deviceID),
		})
		return
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to encode sample."})
		return
	}

	s.cache.SetRealtime(c.Request.Context(), deviceID, payload)
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

func (s *Server) seriesHandler(c *gin.Context) {
	deviceID, ok := s.requireQueryDevice(c)
	if !ok {
		return
	}

	frame := c.Query("frame")
	if !storage.ValidFrame(frame) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"detail": fmt.Sprintf("Invalid frame '%s'. Must be one of: all, day, month, year.", frame),
		})
		return
	}

	points, err := s.store.QuerySeries(c.Request.Context(), deviceID, frame)
	if err != nil {
		s.log.Error("failed to query series",
			zap.String("device_id", deviceID),
			zap.String("frame", frame),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to query series."})
		return
	}
	if points == nil {
		points = []storage.SeriesPoint{}
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"frame":     frame,
		"series":    points,
	})
}

// healthHandler answers liveness probes without touching the database or
// cache so it stays green while dependencies restart.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
