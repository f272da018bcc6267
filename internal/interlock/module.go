package interlock

import (
	"path"
	"strings"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// rule binds an opcode glob to a Lua predicate.
type rule struct {
	Pattern string
	Fn      *lua.LFunction
}

// moduleContext is shared between the safepart Lua module and the engine.
// Each rule set gets its own.
type moduleContext struct {
	name   string
	logger zerolog.Logger
	rules  []rule
}

// registerSafepartModule creates the global "safepart" table.
func registerSafepartModule(L *lua.LState, ctx *moduleContext) {
	mod := L.NewTable()

	L.SetField(mod, "name", lua.LString(ctx.name))
	L.SetField(mod, "rule", L.NewFunction(ctx.luaRule))
	L.SetField(mod, "log", L.NewFunction(ctx.luaLog))

	L.SetGlobal("safepart", mod)
}

// luaRule registers an interlock: safepart.rule(pattern, fn(cmd, state) -> ok[, reason])
func (ctx *moduleContext) luaRule(L *lua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	if _, err := path.Match(pattern, ""); err != nil {
		L.ArgError(1, "invalid pattern: "+err.Error())
		return 0
	}

	ctx.rules = append(ctx.rules, rule{Pattern: pattern, Fn: fn})

	ctx.logger.Debug().
		Str("pattern", pattern).
		Msg("registered interlock")

	return 0
}

// luaLog logs a message: safepart.log(level, message)
func (ctx *moduleContext) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	message := L.CheckString(2)

	switch strings.ToLower(level) {
	case "debug":
		ctx.logger.Debug().Msg(message)
	case "warn":
		ctx.logger.Warn().Msg(message)
	case "error":
		ctx.logger.Error().Msg(message)
	default:
		ctx.logger.Info().Msg(message)
	}

	return 0
}

func matches(pattern, command string) bool {
	ok, err := path.Match(pattern, command)
	return err == nil && ok
}
