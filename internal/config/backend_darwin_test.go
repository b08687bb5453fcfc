//go:build darwin

package config

import (
	"os/exec"
	"strings"
	"testing"
)

// fakeDefaults mimics defaults(1) over a map. Missing keys exit 1.
type fakeDefaults struct {
	values map[string]string
	calls  []string
}

func (f *fakeDefaults) run(args ...string) ([]byte, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	switch args[0] {
	case "read", "delete":
		v, ok := f.values[args[2]]
		if !ok {
			return nil, exec.Command("sh", "-c", "exit 1").Run()
		}
		if args[0] == "delete" {
			delete(f.values, args[2])
		}
		return []byte(v), nil
	case "write":
		f.values[args[2]] = args[4]
	}
	return nil, nil
}

func TestDefaultsBackend(t *testing.T) {
	fake := &fakeDefaults{values: map[string]string{}}
	b := &defaultsBackend{domain: "test.taskmind", run: fake.run}

	if _, ok, err := b.GetString("log.level"); ok || err != nil {
		t.Errorf("unset key: ok=%v err=%v", ok, err)
	}
	if err := b.SetInt("server.port", 4300); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if v, ok, err := b.GetInt("server.port"); !ok || err != nil || v != 4300 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if err := b.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete("server.port"); err != nil {
		t.Errorf("Delete of unset key: %v", err)
	}
	if want := "write test.taskmind server.port -int 4300"; fake.calls[1] != want {
		t.Errorf("call = %q, want %q", fake.calls[1], want)
	}
}
