package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// MemAvailable is more accurate than free RAM when present
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// WorkingSetMB estimates the peak memory of correcting a movie of the given
// sample count: input, normalized copy and output as float32.
func WorkingSetMB(samples int64) int64 {
	return samples * 4 * 3 / (1024 * 1024)
}

// CheckMemory reports whether a correction over samples values fits in
// available RAM. Probe failures are logged and treated as fitting.
func CheckMemory(samples int64, logger *slog.Logger) (bool, error) {
	available, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return true, nil
	}
	need := WorkingSetMB(samples)
	if logger != nil {
		logger.Debug("memory check", "available_mb", available, "required_mb", need)
	}
	if need > available {
		return false, fmt.Errorf("correction needs about %d MB, only %d MB available", need, available)
	}
	return true, nil
}
