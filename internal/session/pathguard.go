package session

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/wolo-run/wolo/internal/permission"
)

// PathConfirmationRequired is returned when a tool targets a path outside
// the project directory that the session has not yet confirmed. The
// caller (agent loop) surfaces this to the user as a confirmation prompt
// rather than treating it as a hard failure (spec §9: explicit result
// variants, not exceptions — grounded on the original path_guard package's
// PathConfirmationRequired exception).
type PathConfirmationRequired struct {
	Path string
	Dir  string
}

func (e *PathConfirmationRequired) Error() string {
	return fmt.Sprintf("path %q is outside the project and requires confirmation", e.Path)
}

// SessionCancelled is returned when the user declines a path confirmation,
// signalling the in-flight tool call (and, per spec §9, only that call —
// not the whole session) should be aborted.
type SessionCancelled struct {
	Reason string
}

func (e *SessionCancelled) Error() string {
	return fmt.Sprintf("operation cancelled: %s", e.Reason)
}

// PathGuard enforces that tool-accessible paths stay within the project
// directory unless the session has explicitly confirmed a broader
// directory, matching confirmed directories by glob so a single
// confirmation ("/home/user/other-project/**") covers its whole subtree.
type PathGuard struct {
	projectDir string
	store      *Store
	sessionID  string
}

// NewPathGuard creates a guard scoped to one session's confirmed-dir set.
func NewPathGuard(store *Store, sessionID, projectDir string) *PathGuard {
	return &PathGuard{projectDir: projectDir, store: store, sessionID: sessionID}
}

// Check validates that path is reachable: inside the project directory, or
// previously confirmed for this session. Returns *PathConfirmationRequired
// if neither holds — the caller must ask the user and, on approval, call
// Confirm before retrying.
func (g *PathGuard) Check(path string) error {
	if !permission.IsExternalPath(path, g.projectDir) {
		return nil
	}

	pcs, err := g.store.PathConfirmationsOf(g.sessionID)
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	for _, confirmed := range pcs.ConfirmedDirs {
		pattern := strings.TrimRight(confirmed, "/") + "/**"
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		if g.Match(absPath) || absPath == strings.TrimRight(confirmed, "/") {
			return nil
		}
	}

	return &PathConfirmationRequired{Path: path, Dir: filepath.Dir(absPath)}
}

// Confirm records dir as confirmed for the session, so subsequent Check
// calls against paths under it succeed.
func (g *PathGuard) Confirm(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	return g.store.ConfirmPath(g.sessionID, absDir)
}
