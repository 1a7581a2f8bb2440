package pve

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var archiveRe = regexp.MustCompile(`creating (?:vzdump )?archive '([^']+)'`)

// ParseRootfsSizeGB extracts the root disk size from "pct config" output,
// e.g. "rootfs: local-lvm:vm-101-disk-0,size=8G".
func ParseRootfsSizeGB(config string) (float64, error) {
	scanner := bufio.NewScanner(strings.NewReader(config))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "rootfs:") {
			continue
		}
		for _, opt := range strings.Split(strings.TrimPrefix(line, "rootfs:"), ",") {
			opt = strings.TrimSpace(opt)
			if strings.HasPrefix(opt, "size=") {
				return parseSize(strings.TrimPrefix(opt, "size="))
			}
		}
		return 0, fmt.Errorf("rootfs has no size option: %q", line)
	}
	return 0, fmt.Errorf("no rootfs entry in container config")
}

func parseSize(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	unit := s[len(s)-1]
	num := s[:len(s)-1]
	factor := 1.0
	switch unit {
	case 'K':
		factor = 1.0 / (1024 * 1024)
	case 'M':
		factor = 1.0 / 1024
	case 'G':
		factor = 1
	case 'T':
		factor = 1024
	default:
		// Bare number is bytes
		num = s
		factor = 1.0 / (1024 * 1024 * 1024)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v * factor, nil
}

// ParseVzdumpArchive returns the archive path reported by vzdump
func ParseVzdumpArchive(output string) (string, error) {
	m := archiveRe.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("vzdump output has no archive path")
	}
	return m[1], nil
}

// ParseStatus returns the state from "pct status" output ("status: running")
func ParseStatus(output string) (string, error) {
	line := strings.TrimSpace(output)
	state, ok := strings.CutPrefix(line, "status:")
	if !ok {
		return "", fmt.Errorf("unexpected status output %q", line)
	}
	return strings.TrimSpace(state), nil
}

// IsNotExist reports whether err is pct refusing to act on a container that
// has no configuration on the node
func IsNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
