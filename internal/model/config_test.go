package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "Local", cfg.Timezone)
	assert.Equal(t, "09:00", cfg.Slots[SlotMorning])
	assert.Equal(t, "13:00", cfg.Slots[SlotDay])
	assert.Equal(t, "22:30", cfg.Slots[SlotNight])
	assert.Equal(t, float64(30), cfg.Watcher.DebounceSec)
	assert.Equal(t, 60*time.Second, cfg.Publish.Timeout())
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NotNil(t, cfg.Rescan.RetimeOnChange)
	assert.True(t, *cfg.Rescan.RetimeOnChange)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
timezone: UTC
slots:
  morning: "07:30"
watcher:
  debounce_sec: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "07:30", cfg.Slots[SlotMorning])
	assert.Equal(t, "13:00", cfg.Slots[SlotDay], "unset slot keeps default")
	assert.Equal(t, float64(5), cfg.Watcher.DebounceSec)
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("PW_TEST_TZ", "UTC")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: ${PW_TEST_TZ}\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  broken: ["), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSlotTime_UnknownSlotFallsBack(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "12:00", cfg.SlotTime(Slot("brunch")))
}

func TestLocation(t *testing.T) {
	cfg := Config{Timezone: "UTC"}
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	cfg.Timezone = "Not/AZone"
	_, err = cfg.Location()
	assert.Error(t, err)
}
