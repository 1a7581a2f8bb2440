package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// KeyScheme derives a job ID when the caller does not supply one
type KeyScheme string

const (
	// KeySchemeTimestamp yields "{op}-{vmid}-{unixMillis}". Every call is
	// unique, so duplicates are not collapsed.
	KeySchemeTimestamp KeyScheme = "timestamp"

	// KeySchemeContent yields "{op}-{vmid}-{hash}" where hash covers the
	// payload, so identical submissions collapse into one job.
	KeySchemeContent KeyScheme = "content"
)

// ParseKeyScheme validates a configured scheme name
func ParseKeyScheme(s string) (KeyScheme, error) {
	switch KeyScheme(s) {
	case KeySchemeTimestamp, KeySchemeContent:
		return KeyScheme(s), nil
	case "":
		return KeySchemeTimestamp, nil
	}
	return "", fmt.Errorf("unknown idempotency key scheme %q", s)
}

// JobID derives the ID of a job with the given encoded payload
func (s KeyScheme) JobID(queue Name, vmid int, data []byte, now time.Time) string {
	if s == KeySchemeContent {
		sum := sha256.Sum256(data)
		return fmt.Sprintf("%s-%d-%s", queue, vmid, hex.EncodeToString(sum[:])[:16])
	}
	return fmt.Sprintf("%s-%d-%d", queue, vmid, now.UnixMilli())
}
