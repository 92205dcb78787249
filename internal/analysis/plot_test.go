package analysis

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestSpeedProfilePNG(t *testing.T) {
	tab := tripTable(t, 9, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10, 20, 20, 20, 28, 28, 28},
	})
	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)

	png, err := SpeedProfilePNG(res.Derived)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, pngMagic))
}

func TestSpeedProfilePNGWithoutRollingMean(t *testing.T) {
	tab := tripTable(t, 3, 1.0, map[string][]float64{
		"speed_m_s": {5, 6, 7},
	})

	png, err := SpeedProfilePNG(tab)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, pngMagic))
}

func TestSpeedProfilePNGErrors(t *testing.T) {
	_, err := SpeedProfilePNG(nil)
	require.ErrorIs(t, err, telemetry.ErrNoTimestamps)

	tab := telemetry.NewTable()
	require.NoError(t, tab.SetTimes([]time.Time{}))
	_, err = SpeedProfilePNG(tab)
	require.Error(t, err)

	noSpeed := telemetry.NewTable()
	require.NoError(t, noSpeed.SetTimes([]time.Time{time.Now()}))
	require.NoError(t, noSpeed.AddColumn("nox_mg_s", []float64{1}))
	_, err = SpeedProfilePNG(noSpeed)
	require.ErrorIs(t, err, ErrMissingSpeedColumn)
}
