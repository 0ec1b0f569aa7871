package smoketest

import (
	"fmt"
	"log/slog"
	"os"
)

// artifactSet tracks the ephemeral files a smoke test creates, so cleanup can
// run unconditionally. No artifact may outlive its owning test.
type artifactSet struct {
	paths []string
}

func (a *artifactSet) write(path string, content string, mode os.FileMode) error {
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("writing test artifact %s: %w", path, err)
	}
	a.paths = append(a.paths, path)
	return nil
}

// removeAll deletes every tracked artifact. Removal problems are logged, not
// reported: a leftover file is a host hygiene issue, not a stack defect.
func (a *artifactSet) removeAll() {
	for _, p := range a.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("cannot remove test artifact", "path", p, "err", err)
		}
	}
	a.paths = nil
}
