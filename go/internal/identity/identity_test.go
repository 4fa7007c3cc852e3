package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_PersistsDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.yaml")

	first, err := LoadOrCreate(path, models.DeviceDisplay)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.DeviceDisplay, first.Device)

	second, err := LoadOrCreate(path, models.DeviceMobile)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.DeviceDisplay, second.Device)
}

func TestLoadOrCreate_RejectsCorruptID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: not-a-uuid\n"), 0o600))

	_, err := LoadOrCreate(path, models.DeviceDesktop)
	assert.Error(t, err)
}

func TestWithRole(t *testing.T) {
	id := New("stage left", models.DeviceTablet)

	ctrl := id.WithRole("Host", models.RoleController)
	assert.Equal(t, "Host", ctrl.Name)
	assert.True(t, ctrl.IsController())
	assert.Equal(t, id.ID, ctrl.ID)

	viewer := id.WithRole("  ", models.RoleViewer)
	assert.Equal(t, "stage left", viewer.Name)
	assert.False(t, viewer.IsController())
}
