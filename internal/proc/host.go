package proc

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// MemoryProbe samples host free memory in MiB. A negative value means
// the probe cannot answer on this platform; admission treats unknown as
// passing the memory gate.
type MemoryProbe func() int

// FreeMemoryMB reads available host memory. On Linux this is
// MemAvailable from /proc/meminfo; elsewhere the probe is unavailable.
func FreeMemoryMB() int {
	if runtime.GOOS != "linux" {
		return -1
	}
	mb, err := readMemAvailableMB("/proc/meminfo")
	if err != nil {
		return -1
	}
	return mb
}

// readMemAvailableMB parses a meminfo-format file and returns
// MemAvailable in MiB.
func readMemAvailableMB(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		// Format: "MemAvailable:   16283996 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed MemAvailable line: %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemAvailable: %w", err)
		}
		return int(kb / 1024), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan meminfo: %w", err)
	}
	return 0, fmt.Errorf("MemAvailable not present in %s", path)
}
