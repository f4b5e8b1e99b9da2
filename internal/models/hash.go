package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContentHash fingerprints a cluster's essential anomaly tuple for
// deduplication. The hash is SHA-256 over
// "kind|priority|sorted(station_id,iso_timestamp,parameter,round(value,3))"
// and is stable under reordering of the readings.
func ContentHash(kind SourceKind, priority Priority, readings []Reading) string {
	lines := make([]string, 0, len(readings))
	for _, r := range readings {
		lines = append(lines, fmt.Sprintf("%s,%s,%s,%.3f",
			r.StationID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Parameter,
			r.Value,
		))
	}
	sort.Strings(lines)

	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(string(priority))
	b.WriteByte('|')
	b.WriteString(strings.Join(lines, ";"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
