package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func TestEmptyPipelineConfigDefaults(t *testing.T) {
	cfg := EmptyPipelineConfig()

	if got := cfg.GetJoinDirection(); got != fusion.DirectionNearest {
		t.Errorf("GetJoinDirection() = %q, want nearest", got)
	}
	if got := cfg.GetJoinToleranceS(); got != 0 {
		t.Errorf("GetJoinToleranceS() = %f, want 0", got)
	}
	if cfg.GetEstimateOffsets() {
		t.Error("GetEstimateOffsets() = true, want false")
	}
	if got := cfg.GetOffsetGridHz(); got != 10 {
		t.Errorf("GetOffsetGridHz() = %f, want 10", got)
	}
	if got := cfg.GetOffsetMaxLagS(); got != 5 {
		t.Errorf("GetOffsetMaxLagS() = %f, want 5", got)
	}
	if got := cfg.GetGapThresholdS(); got != 2.0 {
		t.Errorf("GetGapThresholdS() = %f, want 2.0", got)
	}
	if got := cfg.GetRepairThresholdS(); got != 3.0 {
		t.Errorf("GetRepairThresholdS() = %f, want 3.0", got)
	}
	if cfg.GetDisableGapRepair() {
		t.Error("GetDisableGapRepair() = true, want false")
	}
	if got := cfg.GetFusedIntervalTolerance(); got != 0.40 {
		t.Errorf("GetFusedIntervalTolerance() = %f, want 0.40", got)
	}
	if got := cfg.GetStreamIntervalTolerance(); got != 0.35 {
		t.Errorf("GetStreamIntervalTolerance() = %f, want 0.35", got)
	}
	if got := cfg.GetSpeedSpikeMPS(); got != 65 {
		t.Errorf("GetSpeedSpikeMPS() = %f, want 65", got)
	}
	if got := cfg.GetGPSTeleportM(); got != 120 {
		t.Errorf("GetGPSTeleportM() = %f, want 120", got)
	}
	if got := cfg.GetRollingWindow(); got != 5 {
		t.Errorf("GetRollingWindow() = %d, want 5", got)
	}

	channels := cfg.GetSpeedChannels()
	if len(channels) != 2 || channels[0] != "veh_speed_m_s" || channels[1] != "speed_m_s" {
		t.Errorf("GetSpeedChannels() = %v, want [veh_speed_m_s speed_m_s]", channels)
	}
	if cfg.GetRefChannels() != nil {
		t.Errorf("GetRefChannels() = %v, want nil", cfg.GetRefChannels())
	}
}

func TestLoadPipelineConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pipeline.json")

	testJSON := `{
  "join_direction": "backward",
  "join_tolerance_s": 0.5,
  "estimate_offsets": true,
  "offset_grid_hz": 20,
  "gap_threshold_s": 1.5,
  "speed_spike_m_s": 80,
  "rolling_window": 9,
  "speed_channels": ["gps_speed", "veh_speed_m_s"]
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadPipelineConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetJoinDirection(); got != fusion.DirectionBackward {
		t.Errorf("GetJoinDirection() = %q, want backward", got)
	}
	if got := cfg.GetJoinToleranceS(); got != 0.5 {
		t.Errorf("GetJoinToleranceS() = %f, want 0.5", got)
	}
	if !cfg.GetEstimateOffsets() {
		t.Error("GetEstimateOffsets() = false, want true")
	}
	if got := cfg.GetOffsetGridHz(); got != 20 {
		t.Errorf("GetOffsetGridHz() = %f, want 20", got)
	}
	// Omitted fields keep their defaults
	if got := cfg.GetOffsetMaxLagS(); got != 5 {
		t.Errorf("GetOffsetMaxLagS() = %f, want 5", got)
	}
	if got := cfg.GetGapThresholdS(); got != 1.5 {
		t.Errorf("GetGapThresholdS() = %f, want 1.5", got)
	}
	if got := cfg.GetSpeedSpikeMPS(); got != 80 {
		t.Errorf("GetSpeedSpikeMPS() = %f, want 80", got)
	}
	if got := cfg.GetRollingWindow(); got != 9 {
		t.Errorf("GetRollingWindow() = %d, want 9", got)
	}
	channels := cfg.GetSpeedChannels()
	if len(channels) != 2 || channels[0] != "gps_speed" {
		t.Errorf("GetSpeedChannels() = %v, want [gps_speed veh_speed_m_s]", channels)
	}
}

func TestLoadPipelineConfigMissing(t *testing.T) {
	_, err := LoadPipelineConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadPipelineConfigWrongExtension(t *testing.T) {
	_, err := LoadPipelineConfig("pipeline.yaml")
	if err == nil {
		t.Error("Expected error for non-JSON extension, got nil")
	}
}

func TestLoadPipelineConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "join_tolerance_s": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadPipelineConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestParsePipelineConfig(t *testing.T) {
	cfg, err := ParsePipelineConfig([]byte(`{"rolling_window": 7}`))
	if err != nil {
		t.Fatalf("ParsePipelineConfig failed: %v", err)
	}
	if got := cfg.GetRollingWindow(); got != 7 {
		t.Errorf("GetRollingWindow() = %d, want 7", got)
	}

	if _, err := ParsePipelineConfig([]byte(`{"rolling_window": 0}`)); err == nil {
		t.Error("Expected validation error for zero rolling window, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *PipelineConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			cfg:     EmptyPipelineConfig(),
			wantErr: false,
		},
		{
			name: "full valid config",
			cfg: &PipelineConfig{
				JoinDirection:           ptrString("forward"),
				JoinToleranceS:          ptrFloat64(0.25),
				EstimateOffsets:         ptrBool(true),
				OffsetGridHz:            ptrFloat64(10),
				OffsetMaxLagS:           ptrFloat64(5),
				GapThresholdS:           ptrFloat64(2),
				RepairThresholdS:        ptrFloat64(3),
				FusedIntervalTolerance:  ptrFloat64(0.4),
				StreamIntervalTolerance: ptrFloat64(0.35),
				SpeedSpikeMPS:           ptrFloat64(65),
				GPSTeleportM:            ptrFloat64(120),
				RollingWindow:           ptrInt(5),
			},
			wantErr: false,
		},
		{
			name: "unknown join direction",
			cfg: &PipelineConfig{
				JoinDirection: ptrString("sideways"),
			},
			wantErr: true,
		},
		{
			name: "negative join tolerance",
			cfg: &PipelineConfig{
				JoinToleranceS: ptrFloat64(-1),
			},
			wantErr: true,
		},
		{
			name: "zero grid rate",
			cfg: &PipelineConfig{
				OffsetGridHz: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "negative max lag",
			cfg: &PipelineConfig{
				OffsetMaxLagS: ptrFloat64(-0.5),
			},
			wantErr: true,
		},
		{
			name: "zero gap threshold",
			cfg: &PipelineConfig{
				GapThresholdS: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "zero repair threshold",
			cfg: &PipelineConfig{
				RepairThresholdS: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "zero fused tolerance",
			cfg: &PipelineConfig{
				FusedIntervalTolerance: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "zero stream tolerance",
			cfg: &PipelineConfig{
				StreamIntervalTolerance: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "zero speed spike ceiling",
			cfg: &PipelineConfig{
				SpeedSpikeMPS: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "zero teleport ceiling",
			cfg: &PipelineConfig{
				GPSTeleportM: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "zero rolling window",
			cfg: &PipelineConfig{
				RollingWindow: ptrInt(0),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("RDE_TEST_KEY", "from-env")
	if got := EnvOr("RDE_TEST_KEY", "fallback"); got != "from-env" {
		t.Errorf("EnvOr() = %q, want from-env", got)
	}
	if got := EnvOr("RDE_TEST_KEY_UNSET", "fallback"); got != "fallback" {
		t.Errorf("EnvOr() = %q, want fallback", got)
	}
}
