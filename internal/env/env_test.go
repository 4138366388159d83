package env

import (
	"strings"
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=nokey", "novalue", "B=x=y"})
	if len(m) != 2 || m["A"] != "1" || m["B"] != "x=y" {
		t.Fatalf("unexpected parse result: %#v", m)
	}
}

func TestForTenantLayers(t *testing.T) {
	t.Setenv("SCRIPTHOST_TEST_BASE", "os")
	e := New(true, []string{"SCRIPTHOST_TEST_BASE=global", "GREETING=hi-${SCRIPTHOST_TENANT}"})
	out := e.ForTenant("42", "/srv/ws/42")

	if v, _ := lookup(out, "SCRIPTHOST_TEST_BASE"); v != "global" {
		t.Fatalf("global should override os, got %q", v)
	}
	if v, _ := lookup(out, "GREETING"); v != "hi-42" {
		t.Fatalf("expansion failed, got %q", v)
	}
	if v, _ := lookup(out, "PYTHONUNBUFFERED"); v != "1" {
		t.Fatalf("PYTHONUNBUFFERED not set")
	}
	if v, _ := lookup(out, "SCRIPTHOST_WORKDIR"); v != "/srv/ws/42" {
		t.Fatalf("workdir not exported, got %q", v)
	}
}

func TestForTenantWithoutOS(t *testing.T) {
	t.Setenv("SCRIPTHOST_TEST_HIDDEN", "x")
	out := New(false, nil).ForTenant("7", "/w")
	if _, ok := lookup(out, "SCRIPTHOST_TEST_HIDDEN"); ok {
		t.Fatalf("os env leaked although inheritance disabled")
	}
	if v, _ := lookup(out, "SCRIPTHOST_TENANT"); v != "7" {
		t.Fatalf("tenant id missing")
	}
}
