package ingest

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CreatedByRun reports whether an event file was written by the
// current run. Watched directories may be shared with prior runs or
// other hosts, so the conventional dot-delimited filename is checked
// for three marks: a "tfevents" token, a creation timestamp no earlier
// than the run start immediately after it, and then the writer's
// hostname (which may itself contain dots). Profiler placeholder files
// are never consumed.
func CreatedByRun(fileName, hostname string, start time.Time) bool {
	base := filepath.Base(fileName)
	if base == "" || strings.HasSuffix(base, ".profile-empty") {
		return false
	}

	parts := strings.Split(base, ".")
	idx := -1
	for i, p := range parts {
		if p == "tfevents" {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(parts) {
		return false
	}

	created, err := strconv.ParseInt(parts[idx+1], 10, 64)
	if err != nil {
		return false
	}

	for i, hostPart := range strings.Split(hostname, ".") {
		j := idx + 2 + i
		if j >= len(parts) || parts[j] != hostPart {
			return false
		}
	}

	return created >= start.Unix()
}
