package interlock

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

// GoToLua converts a decoded JSON value to an LValue. Unsupported types
// become nil.
func GoToLua(L *lua.LState, val any) lua.LValue {
	if val == nil {
		return lua.LNil
	}
	switch v := val.(type) {
	case string:
		return lua.LString(v)
	case float64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(float64(v))
	case int:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case bool:
		return lua.LBool(v)
	case map[string]any:
		return MapToTable(L, v)
	case []any:
		return SliceToTable(L, v)
	default:
		return lua.LNil
	}
}

// MapToTable converts a map[string]any to an LTable.
func MapToTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, GoToLua(L, v))
	}
	return tbl
}

// SliceToTable converts a []any to an LTable with 1-based integer keys.
func SliceToTable(L *lua.LState, s []any) *lua.LTable {
	tbl := L.NewTable()
	for _, v := range s {
		tbl.Append(GoToLua(L, v))
	}
	return tbl
}

// CommandToLua converts a command to the table a rule receives. The
// signature is left out; rules see what was authorised, not how.
func CommandToLua(L *lua.LState, cmd *protocol.Command) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(cmd.ID))
	L.SetField(tbl, "command", lua.LString(cmd.Command))
	L.SetField(tbl, "source", lua.LString(cmd.Source))
	L.SetField(tbl, "key_id", lua.LString(cmd.KeyID))
	L.SetField(tbl, "issued_at", lua.LNumber(cmd.IssuedAt))
	L.SetField(tbl, "payload", MapToTable(L, cmd.Payload))
	return tbl
}
