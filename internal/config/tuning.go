package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/mirkored07/rde-mvp-sub000/internal/analysis"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
	"github.com/mirkored07/rde-mvp-sub000/internal/quality"
)

// PipelineConfig represents the tunable parameters of a trip run. The
// same JSON schema serves startup configuration and per-run overrides,
// so partial documents are safe: fields left nil keep their defaults,
// which the Get* methods provide.
type PipelineConfig struct {
	// Fusion params
	JoinDirection   *string  `json:"join_direction,omitempty"`
	JoinToleranceS  *float64 `json:"join_tolerance_s,omitempty"`
	EstimateOffsets *bool    `json:"estimate_offsets,omitempty"`
	OffsetGridHz    *float64 `json:"offset_grid_hz,omitempty"`
	OffsetMaxLagS   *float64 `json:"offset_max_lag_s,omitempty"`
	RefChannels     []string `json:"ref_channels,omitempty"`

	// Quality params
	GapThresholdS           *float64 `json:"gap_threshold_s,omitempty"`
	RepairThresholdS        *float64 `json:"repair_threshold_s,omitempty"`
	DisableGapRepair        *bool    `json:"disable_gap_repair,omitempty"`
	FusedIntervalTolerance  *float64 `json:"fused_interval_tolerance,omitempty"`
	StreamIntervalTolerance *float64 `json:"stream_interval_tolerance,omitempty"`
	SpeedSpikeMPS           *float64 `json:"speed_spike_m_s,omitempty"`
	GPSTeleportM            *float64 `json:"gps_teleport_m,omitempty"`

	// Analysis params
	RollingWindow *int     `json:"rolling_window,omitempty"`
	SpeedChannels []string `json:"speed_channels,omitempty"`
}

// EmptyPipelineConfig returns a PipelineConfig with all fields set to nil,
// which selects every default.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ParsePipelineConfig parses a JSON document already in memory, for
// per-run overrides uploaded alongside trip data.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	if c.JoinDirection != nil && *c.JoinDirection != "" {
		switch fusion.Direction(*c.JoinDirection) {
		case fusion.DirectionNearest, fusion.DirectionForward, fusion.DirectionBackward:
		default:
			return fmt.Errorf("unknown join_direction %q", *c.JoinDirection)
		}
	}
	if c.JoinToleranceS != nil && *c.JoinToleranceS < 0 {
		return fmt.Errorf("join_tolerance_s must be non-negative, got %f", *c.JoinToleranceS)
	}
	if c.OffsetGridHz != nil && *c.OffsetGridHz <= 0 {
		return fmt.Errorf("offset_grid_hz must be positive, got %f", *c.OffsetGridHz)
	}
	if c.OffsetMaxLagS != nil && *c.OffsetMaxLagS < 0 {
		return fmt.Errorf("offset_max_lag_s must be non-negative, got %f", *c.OffsetMaxLagS)
	}
	if c.GapThresholdS != nil && *c.GapThresholdS <= 0 {
		return fmt.Errorf("gap_threshold_s must be positive, got %f", *c.GapThresholdS)
	}
	if c.RepairThresholdS != nil && *c.RepairThresholdS <= 0 {
		return fmt.Errorf("repair_threshold_s must be positive, got %f", *c.RepairThresholdS)
	}
	if c.FusedIntervalTolerance != nil && *c.FusedIntervalTolerance <= 0 {
		return fmt.Errorf("fused_interval_tolerance must be positive, got %f", *c.FusedIntervalTolerance)
	}
	if c.StreamIntervalTolerance != nil && *c.StreamIntervalTolerance <= 0 {
		return fmt.Errorf("stream_interval_tolerance must be positive, got %f", *c.StreamIntervalTolerance)
	}
	if c.SpeedSpikeMPS != nil && *c.SpeedSpikeMPS <= 0 {
		return fmt.Errorf("speed_spike_m_s must be positive, got %f", *c.SpeedSpikeMPS)
	}
	if c.GPSTeleportM != nil && *c.GPSTeleportM <= 0 {
		return fmt.Errorf("gps_teleport_m must be positive, got %f", *c.GPSTeleportM)
	}
	if c.RollingWindow != nil && *c.RollingWindow < 1 {
		return fmt.Errorf("rolling_window must be at least 1, got %d", *c.RollingWindow)
	}
	return nil
}

// GetJoinDirection returns the join_direction value or the default.
func (c *PipelineConfig) GetJoinDirection() fusion.Direction {
	if c.JoinDirection == nil || *c.JoinDirection == "" {
		return fusion.DirectionNearest
	}
	return fusion.Direction(*c.JoinDirection)
}

// GetJoinToleranceS returns the join_tolerance_s value or the default.
// Zero disables the tolerance limit.
func (c *PipelineConfig) GetJoinToleranceS() float64 {
	if c.JoinToleranceS == nil {
		return 0
	}
	return *c.JoinToleranceS
}

// GetEstimateOffsets returns the estimate_offsets value or the default.
func (c *PipelineConfig) GetEstimateOffsets() bool {
	if c.EstimateOffsets == nil {
		return false // default: trust the recorded clocks
	}
	return *c.EstimateOffsets
}

// GetOffsetGridHz returns the offset_grid_hz value or the default.
func (c *PipelineConfig) GetOffsetGridHz() float64 {
	if c.OffsetGridHz == nil {
		return fusion.DefaultGridHz
	}
	return *c.OffsetGridHz
}

// GetOffsetMaxLagS returns the offset_max_lag_s value or the default.
func (c *PipelineConfig) GetOffsetMaxLagS() float64 {
	if c.OffsetMaxLagS == nil {
		return fusion.DefaultMaxLagS
	}
	return *c.OffsetMaxLagS
}

// GetRefChannels returns the correlation channel override for offset
// estimation. Nil keeps each stream's own reference channels.
func (c *PipelineConfig) GetRefChannels() []string {
	return c.RefChannels
}

// GetGapThresholdS returns the gap_threshold_s value or the default.
func (c *PipelineConfig) GetGapThresholdS() float64 {
	if c.GapThresholdS == nil {
		return quality.DefaultGapThresholdS
	}
	return *c.GapThresholdS
}

// GetRepairThresholdS returns the repair_threshold_s value or the default.
func (c *PipelineConfig) GetRepairThresholdS() float64 {
	if c.RepairThresholdS == nil {
		return quality.DefaultRepairThresholdS
	}
	return *c.RepairThresholdS
}

// GetDisableGapRepair returns the disable_gap_repair value or the default.
func (c *PipelineConfig) GetDisableGapRepair() bool {
	if c.DisableGapRepair == nil {
		return false // default: repair small gaps
	}
	return *c.DisableGapRepair
}

// GetFusedIntervalTolerance returns the fused_interval_tolerance value or
// the default.
func (c *PipelineConfig) GetFusedIntervalTolerance() float64 {
	if c.FusedIntervalTolerance == nil {
		return quality.DefaultFusedTolerance
	}
	return *c.FusedIntervalTolerance
}

// GetStreamIntervalTolerance returns the stream_interval_tolerance value
// or the default.
func (c *PipelineConfig) GetStreamIntervalTolerance() float64 {
	if c.StreamIntervalTolerance == nil {
		return quality.DefaultStreamTolerance
	}
	return *c.StreamIntervalTolerance
}

// GetSpeedSpikeMPS returns the speed_spike_m_s value or the default.
func (c *PipelineConfig) GetSpeedSpikeMPS() float64 {
	if c.SpeedSpikeMPS == nil {
		return quality.DefaultSpeedSpikeMPS
	}
	return *c.SpeedSpikeMPS
}

// GetGPSTeleportM returns the gps_teleport_m value or the default.
func (c *PipelineConfig) GetGPSTeleportM() float64 {
	if c.GPSTeleportM == nil {
		return quality.DefaultGPSTeleportM
	}
	return *c.GPSTeleportM
}

// GetRollingWindow returns the rolling_window value or the default.
func (c *PipelineConfig) GetRollingWindow() int {
	if c.RollingWindow == nil {
		return analysis.DefaultRollingWindow
	}
	return *c.RollingWindow
}

// GetSpeedChannels returns the speed channel candidates in preference
// order.
func (c *PipelineConfig) GetSpeedChannels() []string {
	if len(c.SpeedChannels) == 0 {
		return []string{"veh_speed_m_s", "speed_m_s"}
	}
	return c.SpeedChannels
}

// LoadEnv loads a .env file into the process environment when one exists.
// A missing file is not an error; variables already set win over the file.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// EnvOr returns the environment value for key, or fallback when the
// variable is unset or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
