// Package loop holds the session-state machine and timing helpers shared
// by the v5 and v2 protocol loops (spec.md §4.D, §4.E). It is grounded on
// the teacher's transport.RetryManager in spirit only — the backoff math
// itself lives in internal/reconnect — this package owns the
// Handshaking/Running/Draining/Closed state tags and the idle/drain
// timeout arithmetic both loop versions share.
package loop

import (
	"strings"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

// State is a protocol session's lifecycle stage (spec.md §4.D).
type State int

const (
	StateHandshaking State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DrainDeadline bounds how long a Draining session waits for its outbound
// queue to flush before forcing Closed (spec.md §4.D: "bounded by a
// 2-second deadline").
const DrainDeadline = 2 * time.Second

// IdleDeadline computes the next absolute instant by which some frame
// must arrive, given the configured idle lifetime and the last time any
// frame was received (spec.md §4.D: "transfer_idle_lifetime -
// elapsed_since_last_recv").
func IdleDeadline(idleLifetime time.Duration, lastRecv time.Time) time.Time {
	return lastRecv.Add(idleLifetime)
}

// PathDepth counts the directory components of a relative file path, not
// counting the file name itself, so "a/b/c/file.bin" has depth 3.
func PathDepth(relPath string) int {
	parts := strings.Split(strings.Trim(relPath, "/"), "/")
	if len(parts) == 0 {
		return 0
	}
	return len(parts) - 1
}

// ValidateIncomingFiles checks a handshake's offered files against the
// configured file-count and directory-depth limits before anything is
// accepted or persisted (spec.md §4.D Handshaking: "Server validates
// against directory-depth limit and file-count limit"; §8 scenario 6).
func ValidateIncomingFiles(paths []string, fileLimit, dirDepthLimit int) error {
	if len(paths) > fileLimit {
		return xerr.ErrTooManyFiles
	}
	for _, p := range paths {
		if PathDepth(p) > dirDepthLimit {
			return xerr.ErrDirectoryTooDeep
		}
	}
	return nil
}
