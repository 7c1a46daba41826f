package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"paylock/internal/snapshot"
)

const (
	// Timeout for each probe command.
	probeTimeout = 5 * time.Second
	// Minimum parts required for IOPlatformUUID parsing.
	minUUIDParts = 4
)

// fileCollector reads facts from a JSON file written by the host's
// device-administration layer.
type fileCollector struct {
	path string
}

func (c fileCollector) Collect(_ context.Context) (snapshot.Facts, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return snapshot.Facts{}, fmt.Errorf("failed to read facts file: %w", err)
	}
	var f snapshot.Facts
	if err := json.Unmarshal(data, &f); err != nil {
		return snapshot.Facts{}, fmt.Errorf("failed to parse facts file %s: %w", c.path, err)
	}
	if strings.TrimSpace(f.SerialNumber) == "" {
		return snapshot.Facts{}, errors.New("facts file has no serial_number")
	}
	return f, nil
}

// hostCollector derives facts from the machine the agent runs on.
type hostCollector struct {
	debug bool
}

func (c hostCollector) Collect(ctx context.Context) (snapshot.Facts, error) {
	start := time.Now()
	id := c.hardwareID(ctx)
	if id == "" {
		return snapshot.Facts{}, fmt.Errorf("no hardware id available on %s", runtime.GOOS)
	}

	f := snapshot.Facts{
		SerialNumber: id,
		Processor:    runtime.GOARCH,
		Manufacturer: readTrimmed("/sys/class/dmi/id/sys_vendor"),
		Model:        readTrimmed("/sys/class/dmi/id/product_name"),
		Bootloader:   readTrimmed("/sys/class/dmi/id/bios_version"),
		Fingerprint:  osFingerprint(),
	}
	if cpu := cpuModel(); cpu != "" {
		f.Processor = cpu
	}
	f.BootloaderUnlocked = secureBootDisabled()
	f.InstalledAppsHash = hashFiles("/var/lib/dpkg/status", "/var/lib/rpm/rpmdb.sqlite")
	f.SystemPropertiesHash = hashFiles("/etc/os-release", "/proc/sys/kernel/osrelease", "/etc/fstab")
	f.Rooted = setuidShells()

	if c.debug {
		log.Printf("[DEBUG] Host facts collected in %v: %s %s (%s)", time.Since(start), f.Manufacturer, f.Model, f.SerialNumber)
	}
	return f, nil
}

func (c hostCollector) hardwareID(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		return c.darwinHardwareID(ctx)
	case "linux":
		return c.linuxHardwareID()
	case "freebsd", "openbsd", "netbsd", "dragonfly":
		return c.commandID(ctx, "sysctl", "-n", "kern.hostuuid")
	default:
		if c.debug {
			log.Printf("[DEBUG] Unsupported OS for hardware ID detection: %s", runtime.GOOS)
		}
		return ""
	}
}

func (c hostCollector) darwinHardwareID(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		if c.debug {
			log.Printf("[DEBUG] Failed to get macOS hardware ID via ioreg: %v", err)
		}
		return ""
	}
	for line := range strings.SplitSeq(string(output), "\n") {
		if strings.Contains(line, "IOPlatformUUID") {
			if parts := strings.Split(line, "\""); len(parts) >= minUUIDParts {
				return parts[3]
			}
		}
	}
	return ""
}

func (c hostCollector) linuxHardwareID() string {
	for _, path := range []string{"/sys/class/dmi/id/product_serial", "/sys/class/dmi/id/product_uuid", "/etc/machine-id"} {
		if id := readTrimmed(path); id != "" {
			if c.debug {
				log.Printf("[DEBUG] Found Linux hardware ID in %s: %s", path, id)
			}
			return id
		}
	}
	if c.debug {
		log.Print("[DEBUG] Failed to get Linux hardware ID from DMI and machine-id")
	}
	return ""
}

func (c hostCollector) commandID(ctx context.Context, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if c.debug {
			log.Printf("[DEBUG] %s failed: %v", name, err)
		}
		return ""
	}
	return strings.TrimSpace(string(output))
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func osFingerprint() string {
	name := runtime.GOOS
	f, err := os.Open("/etc/os-release")
	if err == nil {
		defer func() { _ = f.Close() }() //nolint:errcheck // read-only file
		s := bufio.NewScanner(f)
		for s.Scan() {
			if v, ok := strings.CutPrefix(s.Text(), "PRETTY_NAME="); ok {
				name = strings.Trim(v, `"`)
				break
			}
		}
	}
	if rel := readTrimmed("/proc/sys/kernel/osrelease"); rel != "" {
		return name + "/" + rel
	}
	return name
}

func cpuModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }() //nolint:errcheck // read-only file
	s := bufio.NewScanner(f)
	for s.Scan() {
		if k, v, ok := strings.Cut(s.Text(), ":"); ok && strings.TrimSpace(k) == "model name" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// secureBootDisabled reports true only when the EFI variable says so;
// legacy-boot machines report false.
func secureBootDisabled() bool {
	matches, err := filepath.Glob("/sys/firmware/efi/efivars/SecureBoot-*")
	if err != nil || len(matches) == 0 {
		return false
	}
	data, err := os.ReadFile(matches[0])
	// 4 attribute bytes then the value byte.
	if err != nil || len(data) < 5 {
		return false
	}
	return data[4] == 0
}

// setuidShells reports whether a setuid-root shell has been planted.
func setuidShells() bool {
	for _, p := range []string{"/bin/bash", "/bin/sh", "/usr/bin/bash", "/usr/bin/sh"} {
		info, err := os.Stat(p)
		if err == nil && info.Mode()&os.ModeSetuid != 0 {
			return true
		}
	}
	return false
}

// hashFiles returns a BLAKE3 digest over the named files that exist, in
// sorted path order, or "" when none do.
func hashFiles(paths ...string) string {
	paths = slices.Clone(paths)
	slices.Sort(paths)
	h := blake3.New()
	found := false
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		found = true
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(data)
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
