package metrics

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// processMemory returns the resident set size and total system memory in MB
// by reading the proc filesystem. ok is false on any OS-level error, in
// which case the caller reports zeros.
func processMemory() (rssMB, totalMB float64, ok bool) {
	rssKB, err := procValueKB("/proc/self/status", "VmRSS:")
	if err != nil {
		return 0, 0, false
	}
	totalKB, err := procValueKB("/proc/meminfo", "MemTotal:")
	if err != nil {
		return 0, 0, false
	}
	return rssKB / 1024, totalKB / 1024, true
}

func procValueKB(path, prefix string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, prefix))
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, err
		}
		return value, nil
	}
	return 0, os.ErrNotExist
}

// diskUsage reports total and free bytes for the filesystem holding path.
func diskUsage(path string) (total, free uint64, ok bool) {
	if path == "" {
		path = "."
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, false
	}
	total = uint64(st.Blocks) * uint64(st.Bsize)
	free = uint64(st.Bavail) * uint64(st.Bsize)
	return total, free, true
}
