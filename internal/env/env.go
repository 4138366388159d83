package env

import (
	"os"
	"sort"
	"strings"
)

// Vars is a set of environment variables (K->V).
type Vars map[string]string

// Env composes the environment handed to tenant scripts. It is immutable
// after construction and safe for concurrent use.
type Env struct {
	base   Vars // OS environment snapshot (nil when inheritance is disabled)
	global Vars // daemon-wide overrides from config
}

// New builds an Env. When inheritOS is true the daemon's own environment is
// the base layer; global is applied on top.
func New(inheritOS bool, global []string) *Env {
	e := &Env{global: Parse(global)}
	if inheritOS {
		e.base = Parse(os.Environ())
	}
	return e
}

// Parse converts "K=V" entries to Vars, skipping malformed items and empty keys.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// ForTenant returns the sorted "K=V" environment for one tenant script.
// Layers in order: OS base, global config, interpreter defaults, tenant identity.
// ${VAR} references in values are expanded against the composed map.
func (e *Env) ForTenant(tenantID, workDir string) []string {
	m := make(Vars, len(e.base)+len(e.global)+4)
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	// Scripts are read line by line; block buffering would hold output back.
	m["PYTHONUNBUFFERED"] = "1"
	m["PYTHONIOENCODING"] = "utf-8"
	m["SCRIPTHOST_TENANT"] = tenantID
	m["SCRIPTHOST_WORKDIR"] = workDir

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
