package profile

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DB is the in-process profile database. It is populated once at startup
// and read without locks afterwards.
type DB struct {
	// profiles[gpuDevice][profileID]
	profiles map[string]map[string]*ModelProfile
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{profiles: make(map[string]map[string]*ModelProfile)}
}

// LoadDir walks root and parses every regular file as a profile. Files
// that fail to parse are skipped with a warning; the walk itself failing
// is an error.
func LoadDir(root string, logger *slog.Logger) (*DB, error) {
	db := NewDB()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open profile %s: %w", path, err)
		}
		defer f.Close()
		p, err := Parse(f)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping unparsable profile", "path", path, "err", err)
			}
			return nil
		}
		db.Add(p)
		if logger != nil {
			logger.Debug("loaded profile", "gpu_device", p.GPUDevice, "profile_id", p.ProfileID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk profile dir %s: %w", root, err)
	}
	return db, nil
}

// Add registers a profile. Later additions win on duplicate keys.
// Add is not safe for use concurrently with Lookup; populate the
// database before serving.
func (db *DB) Add(p *ModelProfile) {
	byID, ok := db.profiles[p.GPUDevice]
	if !ok {
		byID = make(map[string]*ModelProfile)
		db.profiles[p.GPUDevice] = byID
	}
	byID[p.ProfileID] = p
}

// Lookup returns the profile for (gpuDevice, profileID), or nil when the
// pair was never profiled.
func (db *DB) Lookup(gpuDevice, profileID string) *ModelProfile {
	byID, ok := db.profiles[gpuDevice]
	if !ok {
		return nil
	}
	return byID[profileID]
}

// Devices returns the set of GPU device names with at least one profile.
func (db *DB) Devices() []string {
	devices := make([]string, 0, len(db.profiles))
	for device := range db.profiles {
		devices = append(devices, device)
	}
	return devices
}

// Len returns the total number of loaded profiles.
func (db *DB) Len() int {
	n := 0
	for _, byID := range db.profiles {
		n += len(byID)
	}
	return n
}
