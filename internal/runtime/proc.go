package runtime

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procStartClock reads the start time (in clock ticks since boot) of a
// pid from /proc/<pid>/stat, field 22.
func procStartClock(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	return parseStartClock(string(data))
}

// parseStartClock extracts field 22 from a stat line. The comm field
// (field 2) is parenthesized and may itself contain spaces, so fields
// are counted after the closing parenthesis.
func parseStartClock(stat string) (uint64, error) {
	end := strings.LastIndex(stat, ")")
	if end < 0 {
		return 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(stat[end+1:])
	// fields[0] is field 3 (state); start time is field 22.
	const idx = 22 - 3
	if len(fields) <= idx {
		return 0, fmt.Errorf("stat line too short")
	}
	return strconv.ParseUint(fields[idx], 10, 64)
}
