package process

import (
	"runtime"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	cases := []struct {
		in   string
		args []string
	}{
		{"sleep 1", []string{"sleep", "1"}},
		{"  redis-server --port 6380 ", []string{"redis-server", "--port", "6380"}},
		{"echo hi > /tmp/x", []string{"/bin/sh", "-c", "echo hi > /tmp/x"}},
		{"sh -c 'echo hi; echo bye'", []string{"/bin/sh", "-c", "echo hi; echo bye"}},
		{"/bin/sh -c \"exit 3\"", []string{"/bin/sh", "-c", "exit 3"}},
	}
	for _, c := range cases {
		cmd := BuildCommand(c.in)
		if len(cmd.Args) != len(c.args) {
			t.Fatalf("%q: args %q, want %q", c.in, cmd.Args, c.args)
		}
		for i := range c.args {
			if cmd.Args[i] != c.args[i] {
				t.Fatalf("%q: args %q, want %q", c.in, cmd.Args, c.args)
			}
		}
	}
}

func TestParseExplicitShell(t *testing.T) {
	if s, ok := parseExplicitShell("sh -c 'a | b'"); !ok || s != "a | b" {
		t.Fatalf("got %q %v", s, ok)
	}
	if _, ok := parseExplicitShell("bash -c x"); ok {
		t.Fatal("bash is not treated as explicit sh")
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	if got := b.String(); got != "lo world" {
		t.Fatalf("tail = %q", got)
	}
	_, _ = b.Write([]byte("0123456789"))
	if got := b.String(); got != "23456789" {
		t.Fatalf("tail after large write = %q", got)
	}
}
