package interlock

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}

func TestSandbox_SafeLibsAvailable(t *testing.T) {
	L := newSandbox("test", testLogger())
	defer L.Close()

	for _, code := range []string{
		`assert(string.find("hello world", "world") == 7)`,
		`local t = {1,2,3}; table.insert(t, 4); assert(#t == 4)`,
		`assert(math.abs(-3) == 3)`,
		`assert(tonumber("42") == 42)`,
		`assert(getmetatable(setmetatable({}, {})) ~= nil)`,
	} {
		if err := L.DoString(code); err != nil {
			t.Errorf("%s: %v", code, err)
		}
	}
}

func TestSandbox_Blocked(t *testing.T) {
	L := newSandbox("test", testLogger())
	defer L.Close()

	tests := []struct {
		name string
		code string
	}{
		{"os", `os.execute("echo hi")`},
		{"io", `io.open("/etc/passwd")`},
		{"debug", `debug.getinfo(1)`},
		{"coroutine", `coroutine.create(function() end)`},
		{"require", `require("os")`},
		{"dofile", `dofile("x.lua")`},
		{"loadfile", `loadfile("x.lua")`},
		{"load", `load("return 1")`},
		{"loadstring", `loadstring("return 1")`},
		{"rawset", `rawset({}, "k", 1)`},
		{"collectgarbage", `collectgarbage()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := L.DoString(tt.code); err == nil {
				t.Errorf("expected %s to be unavailable", tt.name)
			}
		})
	}
}

func TestSandbox_RecursionBounded(t *testing.T) {
	L := newSandbox("test", testLogger())
	defer L.Close()

	err := L.DoString(`local function f(n) return 1 + f(n + 1) end; f(1)`)
	if err == nil {
		t.Fatal("unbounded recursion should fail")
	}
}

func TestSandbox_PrintGoesToLogger(t *testing.T) {
	var buf bytes.Buffer
	L := newSandbox("gear", zerolog.New(&buf))
	defer L.Close()

	if err := L.DoString(`print("altitude", 120, true)`); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"ruleset":"gear"`) || !strings.Contains(out, `altitude\t120\ttrue`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
