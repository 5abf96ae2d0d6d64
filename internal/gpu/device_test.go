package gpu

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	card0 := filepath.Join(root, "class", "drm", "card0", "device")
	writeSysfsFile(t, filepath.Join(card0, "uevent"),
		"PCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=10de:1db4\nPCI_ID_NAME=Tesla V100\n")
	writeSysfsFile(t, filepath.Join(card0, "mem_info_vram_total"), "17179869184\n")
	writeSysfsFile(t, filepath.Join(card0, "mem_info_vram_used"), "1073741824\n")
	if err := os.MkdirAll(filepath.Join(card0, "drm", "renderD128"), 0o750); err != nil {
		t.Fatalf("mkdir render node: %v", err)
	}

	card1 := filepath.Join(root, "class", "drm", "card1", "device")
	writeSysfsFile(t, filepath.Join(card1, "vendor"), "0x1002\n")
	writeSysfsFile(t, filepath.Join(card1, "device"), "0x731f\n")
	writeSysfsFile(t, filepath.Join(card1, "product_name"), "AMD Radeon Pro Test\n")
	if err := os.MkdirAll(filepath.Join(card1, "drm", "renderD129"), 0o750); err != nil {
		t.Fatalf("mkdir render node: %v", err)
	}

	devices, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 GPUs, got %d", len(devices))
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID < devices[j].ID
	})

	first := devices[0]
	if first.ID != "card0" {
		t.Fatalf("expected first GPU id 'card0', got %q", first.ID)
	}
	if first.PCIAddress != "0000:0a:00.0" {
		t.Errorf("unexpected PCI slot: %q", first.PCIAddress)
	}
	if first.PCIID != "10de:1db4" {
		t.Errorf("unexpected PCI ID: %q", first.PCIID)
	}
	if first.Name != "Tesla V100" {
		t.Errorf("unexpected name: %q", first.Name)
	}
	if first.RenderNode != "/dev/dri/renderD128" {
		t.Errorf("unexpected render node: %q", first.RenderNode)
	}
	if first.TotalMemory != 17179869184 {
		t.Errorf("unexpected total memory: %d", first.TotalMemory)
	}
	if got := first.AvailableMemory(); got != 17179869184-1073741824 {
		t.Errorf("unexpected available memory: %d", got)
	}

	second := devices[1]
	if second.PCIID != "1002:731f" {
		t.Errorf("expected PCI ID fallback to vendor/device, got %q", second.PCIID)
	}
	if second.Name != "AMD Radeon Pro Test" {
		t.Errorf("unexpected name for card1: %q", second.Name)
	}
	if second.TotalMemory != 0 {
		t.Errorf("expected zero memory without vram files, got %d", second.TotalMemory)
	}
}

func TestDiscoverMissingDRMClass(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	devices, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected 0 GPUs, got %d", len(devices))
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	classPath := filepath.Join(root, "class", "drm")
	if err := os.MkdirAll(classPath, 0o750); err != nil {
		t.Fatalf("mkdir class: %v", err)
	}

	target := filepath.Join(root, "devices", "pci0000:00", "0000:00:01.0", "drm", "card0")
	deviceDir := filepath.Join(target, "device")
	if err := os.MkdirAll(filepath.Join(deviceDir, "drm"), 0o750); err != nil {
		t.Fatalf("mkdir device: %v", err)
	}

	writeSysfsFile(t, filepath.Join(deviceDir, "uevent"), "PCI_SLOT_NAME=0000:00:01.0\nPCI_ID=1002:73df\n")
	writeSysfsFile(t, filepath.Join(deviceDir, "vendor"), "0x1002\n")
	writeSysfsFile(t, filepath.Join(deviceDir, "device"), "0x73df\n")
	if err := os.MkdirAll(filepath.Join(deviceDir, "drm", "renderD128"), 0o750); err != nil {
		t.Fatalf("mkdir render node: %v", err)
	}

	linkPath := filepath.Join(classPath, "card0")
	relTarget, err := filepath.Rel(classPath, target)
	if err != nil {
		t.Fatalf("filepath.Rel: %v", err)
	}
	if err := os.Symlink(relTarget, linkPath); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	devices, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "card0" {
		t.Fatalf("expected symlinked gpu, got %+v", devices)
	}
}

func TestProfileKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want string
	}{
		{"Tesla V100-SXM2-16GB", "tesla_v100_sxm2_16gb"},
		{"AMD Radeon RX 6800", "amd_radeon_rx_6800"},
		{"  GeForce GTX 1080 Ti ", "geforce_gtx_1080_ti"},
		{"", ""},
	}
	for _, tc := range cases {
		dev := Device{Name: tc.name}
		if got := dev.ProfileKey(); got != tc.want {
			t.Errorf("ProfileKey(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestVirtualDevice(t *testing.T) {
	t.Parallel()

	dev := Virtual("Tesla V100", 16<<30)
	if dev.ProfileKey() != "tesla_v100" {
		t.Errorf("unexpected profile key: %q", dev.ProfileKey())
	}
	if dev.AvailableMemory() != 16<<30 {
		t.Errorf("unexpected available memory: %d", dev.AvailableMemory())
	}
}

func writeSysfsFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
