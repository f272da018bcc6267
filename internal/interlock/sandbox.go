package interlock

import (
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Interlock VMs are small and long-lived; these bound runaway recursion and
// table growth in a rule file.
const (
	sandboxCallStack = 128
	sandboxRegistry  = 4 << 10
	sandboxRegMax    = 64 << 10
)

// sandboxLibs are the only standard libraries a rule set gets. os, io, debug,
// package, coroutine and channel are never opened.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// sandboxStripped are base library globals that reach the filesystem, compile
// code at run time, or bypass metatables.
var sandboxStripped = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "rawset", "rawget", "rawequal", "setfenv", "getfenv",
}

// newSandbox returns a VM for one rule set. print goes to the partition
// logger tagged with the rule set name.
func newSandbox(name string, logger zerolog.Logger) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       sandboxCallStack,
		RegistrySize:        sandboxRegistry,
		RegistryMaxSize:     sandboxRegMax,
		MinimizeStackMemory: true,
	})

	for _, lib := range sandboxLibs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			// Opening a builtin library cannot fail short of a broken VM.
			panic(err)
		}
	}
	for _, g := range sandboxStripped {
		L.SetGlobal(g, lua.LNil)
	}

	log := logger.With().Str("ruleset", name).Logger()
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		log.Info().Msg(joinArgs(L))
		return 0
	}))
	return L
}

func joinArgs(L *lua.LState) string {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.Get(i + 1).String()
	}
	return strings.Join(parts, "\t")
}
