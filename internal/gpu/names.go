package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// Profiles are filed per device name, so a backend must derive a stable
// name even when sysfs exposes nothing but PCI ids. The PCI database
// turns ids into board names; failing that, the id pair itself becomes a
// synthetic name so the profile key stays deterministic across reboots.

var pciDatabase = sync.OnceValues(func() (*pcidb.PCIDB, error) {
	return pcidb.New()
})

// deviceName picks the name a GPU's profiles are keyed under. A sysfs
// name that already identifies the board wins; otherwise the PCI catalog
// is consulted, then whatever sysfs reported, then the bare id pair.
func deviceName(sysfsName, pciID, subVendor, subDevice string) string {
	if isBoardName(sysfsName) {
		return strings.TrimSpace(sysfsName)
	}
	vendor, device := splitPCIID(pciID)
	if resolved := catalogName(vendor, device, subVendor, subDevice); resolved != "" {
		return resolved
	}
	if name := strings.TrimSpace(sysfsName); name != "" {
		return name
	}
	if vendor != "" && device != "" {
		return hexID(vendor) + "_" + hexID(device)
	}
	return ""
}

// catalogName resolves a vendor/device pair through the PCI database,
// preferring the subsystem (board vendor) name over the generic product
// name when the subsystem ids are known.
func catalogName(vendor, device, subVendor, subDevice string) string {
	vendor, device = hexID(vendor), hexID(device)
	if vendor == "" || device == "" {
		return ""
	}
	db, err := pciDatabase()
	if err != nil {
		return ""
	}
	product, ok := db.Products[vendor+device]
	if !ok || product == nil {
		return ""
	}

	subVendor, subDevice = hexID(subVendor), hexID(subDevice)
	if subVendor != "" && subDevice != "" {
		for _, sub := range product.Subsystems {
			if sub == nil || sub.Name == "" {
				continue
			}
			if strings.EqualFold(sub.VendorID, subVendor) && strings.EqualFold(sub.ID, subDevice) {
				return sub.Name
			}
		}
	}
	return product.Name
}

// isBoardName reports whether a sysfs-provided name identifies the
// actual board. Driver module names and raw id strings do not, and a
// profile keyed under them would collide across different GPUs.
func isBoardName(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "unknown", "amdgpu", "radeon", "nouveau", "nvidia", "i915", "xe":
		return false
	}
	if strings.HasPrefix(name, "0x") || strings.HasPrefix(name, "pci device") {
		return false
	}
	return true
}

func splitPCIID(pciID string) (vendor, device string) {
	vendor, device, ok := strings.Cut(pciID, ":")
	if !ok {
		return "", ""
	}
	return vendor, device
}

// hexID canonicalizes a PCI id: lowercase, no 0x prefix, padded to the
// four digits the database keys on.
func hexID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	id = strings.TrimPrefix(id, "0x")
	if id == "" {
		return ""
	}
	for len(id) < 4 {
		id = "0" + id
	}
	return id
}
