package ingest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
)

func writeFile(t *testing.T, fsys fsutil.FileSystem, path, content string) {
	t.Helper()
	require.NoError(t, fsys.WriteFile(path, []byte(content), 0o644))
}

func TestMappingResolveCandidateOrder(t *testing.T) {
	m := Mapping{
		"timestamp": {"timestamp", "time"},
		"speed_m_s": {"speed_m_s", "speed"},
	}
	header := []string{"time", "speed", "hdop"}

	resolved := m.resolve(header, []string{"timestamp", "speed_m_s"})
	assert.Equal(t, map[string]string{"timestamp": "time", "speed_m_s": "speed"}, resolved)

	// The first candidate wins when both spellings are present.
	header = []string{"time", "timestamp", "speed"}
	resolved = m.resolve(header, []string{"timestamp", "speed_m_s"})
	assert.Equal(t, "timestamp", resolved["timestamp"])
}

func TestMappingResolveClaimsOnce(t *testing.T) {
	m := Mapping{
		"speed_m_s":     {"v"},
		"veh_speed_m_s": {"v"},
	}
	resolved := m.resolve([]string{"v"}, []string{"speed_m_s", "veh_speed_m_s"})

	// One header column feeds at most one channel, earlier channel wins.
	assert.Equal(t, map[string]string{"speed_m_s": "v"}, resolved)
}

func TestMappingMerge(t *testing.T) {
	base := Mapping{"timestamp": {"timestamp", "time"}, "lat": {"lat"}}
	merged := base.Merge(Mapping{"lat": {"latitude"}, "heading_deg": {"hdg"}})

	assert.Equal(t, []string{"timestamp", "time"}, merged["timestamp"])
	assert.Equal(t, []string{"latitude"}, merged["lat"])
	assert.Equal(t, []string{"hdg"}, merged["heading_deg"])
	// The receiver stays untouched.
	assert.Equal(t, []string{"lat"}, base["lat"])
}

func TestReadCSVRejectsEmpty(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "empty.csv", "")
	writeFile(t, fsys, "header_only.csv", "timestamp,veh_speed_m_s\n")

	_, err := ReadECU(fsys, "empty.csv", ECUOptions{})
	require.ErrorIs(t, err, ErrEmptyData)

	_, err = ReadECU(fsys, "header_only.csv", ECUOptions{})
	require.ErrorIs(t, err, ErrEmptyData)
}

func TestNumericCoercion(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "ecu.csv",
		"timestamp,veh_speed_m_s,engine_load_pct\n"+
			"2024-03-18T07:30:00Z,12.5,40\n"+
			"2024-03-18T07:30:01Z,not-a-number,\n"+
			"2024-03-18T07:30:02Z, 13.5 ,41\n")

	spec, err := ReadECU(fsys, "ecu.csv", ECUOptions{})
	require.NoError(t, err)

	speed, ok := spec.Table.Column("veh_speed_m_s")
	require.True(t, ok)
	assert.Equal(t, 12.5, speed[0])
	assert.True(t, math.IsNaN(speed[1]))
	assert.Equal(t, 13.5, speed[2])

	load, ok := spec.Table.Column("engine_load_pct")
	require.True(t, ok)
	assert.True(t, math.IsNaN(load[1]))
}

func TestUnknownColumnsPassThrough(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "ecu.csv",
		"timestamp,veh_speed_m_s,fuel_rate_g_s,comment\n"+
			"2024-03-18T07:30:00Z,12.5,1.2,warmup\n"+
			"2024-03-18T07:30:01Z,12.9,1.3,\n")

	spec, err := ReadECU(fsys, "ecu.csv", ECUOptions{})
	require.NoError(t, err)

	fuel, ok := spec.Table.Column("fuel_rate_g_s")
	require.True(t, ok)
	assert.Equal(t, []float64{1.2, 1.3}, fuel)

	// Text columns have nothing numeric to carry and are dropped.
	assert.False(t, spec.Table.HasColumn("comment"))
}

func TestShortRowsFillNaN(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeFile(t, fsys, "ecu.csv",
		"timestamp,veh_speed_m_s,engine_load_pct\n"+
			"2024-03-18T07:30:00Z,12.5\n"+
			"2024-03-18T07:30:01Z,12.9,40\n")

	spec, err := ReadECU(fsys, "ecu.csv", ECUOptions{})
	require.NoError(t, err)

	load, ok := spec.Table.Column("engine_load_pct")
	require.True(t, ok)
	assert.True(t, math.IsNaN(load[0]))
	assert.Equal(t, 40.0, load[1])
}

func TestParseBoolCell(t *testing.T) {
	assert.Equal(t, 1.0, parseBoolCell("true"))
	assert.Equal(t, 1.0, parseBoolCell("Yes"))
	assert.Equal(t, 1.0, parseBoolCell("1"))
	assert.Equal(t, 0.0, parseBoolCell("f"))
	assert.Equal(t, 0.0, parseBoolCell("NO"))
	assert.Equal(t, 0.0, parseBoolCell("0"))
	assert.Equal(t, 1.0, parseBoolCell("2.5"))
	assert.Equal(t, 0.0, parseBoolCell("0.0"))
	assert.Equal(t, 1.0, parseBoolCell("nonsense"))
	assert.True(t, math.IsNaN(parseBoolCell("  ")))
}
