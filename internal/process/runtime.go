package process

import (
	"fmt"
	"os/exec"
	"sort"
)

// Runtimes maps a runtime version (as stored on the tenant record) to the
// interpreter executable used for it, e.g. "3.9" -> "python3.9".
type Runtimes map[string]string

// Executable returns the interpreter for version.
func (r Runtimes) Executable(version string) (string, error) {
	exe, ok := r[version]
	if !ok || exe == "" {
		return "", fmt.Errorf("%w: %q (known: %v)", ErrUnknownRuntime, version, r.Versions())
	}
	return exe, nil
}

// Versions returns the configured versions in sorted order.
func (r Runtimes) Versions() []string {
	out := make([]string, 0, len(r))
	for v := range r {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every configured interpreter can be found on PATH
// and that def, when set, is one of the configured versions.
func (r Runtimes) Validate(def string) error {
	if len(r) == 0 {
		return fmt.Errorf("no runtimes configured")
	}
	for _, v := range r.Versions() {
		if _, err := exec.LookPath(r[v]); err != nil {
			return fmt.Errorf("runtime %s: %w", v, err)
		}
	}
	if def != "" {
		if _, ok := r[def]; !ok {
			return fmt.Errorf("default runtime %q: %w", def, ErrUnknownRuntime)
		}
	}
	return nil
}
