// Package identity holds the stable per-device participant identity.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mcdev12/cuesync/go/internal/models"
	"gopkg.in/yaml.v3"
)

// Identity is who a device claims to be inside a room.
type Identity struct {
	ID     string             `yaml:"device_id"`
	Name   string             `yaml:"name,omitempty"`
	Role   models.Role        `yaml:"-"`
	Device models.DeviceClass `yaml:"device,omitempty"`
}

// New returns an identity with a fresh device id.
func New(name string, device models.DeviceClass) Identity {
	if device == "" {
		device = models.DeviceUnknown
	}
	return Identity{ID: uuid.NewString(), Name: name, Device: device}
}

// WithRole returns a copy of id declaring the given name and role. An empty
// name keeps the stored one.
func (id Identity) WithRole(name string, role models.Role) Identity {
	if n := strings.TrimSpace(name); n != "" {
		id.Name = n
	}
	id.Role = role
	return id
}

// IsController reports whether the identity declares the controller role.
func (id Identity) IsController() bool {
	return id.Role == models.RoleController
}

// LoadOrCreate reads the device identity stored at path, creating and
// persisting a new one when the file does not exist.
func LoadOrCreate(path string, device models.DeviceClass) (Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := yaml.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("failed to parse identity file: %w", err)
		}
		if _, err := uuid.Parse(id.ID); err != nil {
			return Identity{}, fmt.Errorf("invalid device id in %s: %w", path, err)
		}
		if id.Device == "" {
			id.Device = device
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := New("", device)
	out, err := yaml.Marshal(id)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Identity{}, fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return Identity{}, fmt.Errorf("failed to write identity file: %w", err)
	}
	return id, nil
}
