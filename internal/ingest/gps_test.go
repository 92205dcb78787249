package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
)

func TestReadGPSCanonicalHeaders(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"time,lat,lon,alt_m,speed\n"+
			"2024-03-18T07:30:00Z,48.8566,2.3522,35.0,10.0\n"+
			"2024-03-18T07:30:01Z,48.8567,2.3523,35.1,11.0\n"+
			"2024-03-18T07:30:02Z,48.8568,2.3524,35.2,12.0\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gps", spec.Name)
	assert.Equal(t, []string{"speed_m_s"}, spec.RefChannels)

	tbl := spec.Table
	require.True(t, tbl.HasTimes())
	assert.Equal(t, time.Date(2024, 3, 18, 7, 30, 0, 0, time.UTC), tbl.Times()[0])

	lat, ok := tbl.Column("lat")
	require.True(t, ok)
	assert.Equal(t, []float64{48.8566, 48.8567, 48.8568}, lat)

	// speed resolves through its short candidate and keeps its values
	// (smoothed over the centered window).
	speed, ok := tbl.Column("speed_m_s")
	require.True(t, ok)
	assert.InDelta(t, 10.5, speed[0], 1e-9)
	assert.InDelta(t, 11.0, speed[1], 1e-9)
	assert.InDelta(t, 11.5, speed[2], 1e-9)

	fixOK, ok := tbl.Column("fix_ok")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 1, 1}, fixOK)
}

func TestReadGPSDerivesSpeed(t *testing.T) {
	// Fixes 0.0005 degrees of longitude apart on the equator are 55.597 m
	// apart, one second between samples.
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,lat,lon\n"+
			"2024-03-18T07:30:00Z,0.0,0.0\n"+
			"2024-03-18T07:30:01Z,0.0,0.0005\n"+
			"2024-03-18T07:30:02Z,0.0,0.0010\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.NoError(t, err)

	speed, ok := spec.Table.Column("speed_m_s")
	require.True(t, ok)
	// The first sample has no predecessor; smoothing fills it from the
	// neighbors.
	for i := range speed {
		assert.InDelta(t, 55.597, speed[i], 0.01, "sample %d", i)
	}
}

func TestReadGPSDerivesWhenSpeedBlank(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,lat,lon,speed_m_s\n"+
			"2024-03-18T07:30:00Z,0.0,0.0,\n"+
			"2024-03-18T07:30:01Z,0.0,0.0005,\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.NoError(t, err)

	speed, ok := spec.Table.Column("speed_m_s")
	require.True(t, ok)
	assert.InDelta(t, 55.597, speed[0], 0.01)
	assert.InDelta(t, 55.597, speed[1], 0.01)
}

func TestReadGPSAntiTeleport(t *testing.T) {
	// The third fix jumps 0.0095 degrees of longitude in one second, an
	// implied 1056 m/s.
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,lat,lon,speed_m_s\n"+
			"2024-03-18T07:30:00Z,0.0,0.0,10\n"+
			"2024-03-18T07:30:01Z,0.0,0.0005,11\n"+
			"2024-03-18T07:30:02Z,0.0,0.0100,12\n"+
			"2024-03-18T07:30:03Z,0.0,0.0105,13\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.NoError(t, err)
	tbl := spec.Table

	speed, _ := tbl.Column("speed_m_s")
	assert.InDelta(t, 10.5, speed[0], 1e-9)
	assert.InDelta(t, 10.5, speed[1], 1e-9)
	assert.True(t, math.IsNaN(speed[2]), "teleport sample keeps no speed")
	assert.InDelta(t, 13.0, speed[3], 1e-9)

	fixOK, _ := tbl.Column("fix_ok")
	assert.Equal(t, []float64{1, 1, 0, 1}, fixOK)

	// Positions are kept for inspection.
	lon, _ := tbl.Column("lon")
	assert.Equal(t, 0.0100, lon[2])
}

func TestReadGPSFixFlagCoercion(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,lat,lon,fix_ok\n"+
			"2024-03-18T07:30:00Z,0.0,0.0,yes\n"+
			"2024-03-18T07:30:01Z,0.0,0.0001,0\n"+
			"2024-03-18T07:30:02Z,0.0,0.0002,\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.NoError(t, err)

	fixOK, _ := spec.Table.Column("fix_ok")
	// Blank flags default to a good fix.
	assert.Equal(t, []float64{1, 0, 1}, fixOK)
}

func TestReadGPSSortsByTime(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,lat,lon\n"+
			"2024-03-18T07:30:02Z,3.0,0.0\n"+
			"2024-03-18T07:30:00Z,1.0,0.0\n"+
			"2024-03-18T07:30:01Z,2.0,0.0\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.NoError(t, err)

	times := spec.Table.Times()
	require.Len(t, times, 3)
	assert.True(t, times[0].Before(times[1]) && times[1].Before(times[2]))

	lat, _ := spec.Table.Column("lat")
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, lat)
}

func TestReadGPSMappingOverride(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"utc,breite,laenge\n"+
			"2024-03-18T07:30:00Z,48.8566,2.3522\n"+
			"2024-03-18T07:30:01Z,48.8567,2.3523\n")

	spec, err := ReadGPS(fsys, "gps.csv", GPSOptions{Mapping: Mapping{
		"timestamp": {"utc"},
		"lat":       {"breite"},
		"lon":       {"laenge"},
	}})
	require.NoError(t, err)
	assert.True(t, spec.Table.HasColumn("lat"))
	assert.True(t, spec.Table.HasColumn("lon"))
	assert.False(t, spec.Table.HasColumn("breite"))
}

func TestReadGPSMissingPosition(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,alt_m\n"+
			"2024-03-18T07:30:00Z,35.0\n")

	_, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.ErrorIs(t, err, ErrMissingChannel)
	assert.Contains(t, err.Error(), "lat, lon")
}

func TestReadGPSBadTimestamp(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "gps.csv",
		"timestamp,lat,lon\n"+
			"yesterday,0.0,0.0\n")

	_, err := ReadGPS(fsys, "gps.csv", GPSOptions{})
	require.ErrorIs(t, err, fusion.ErrTimestampParse)
}
