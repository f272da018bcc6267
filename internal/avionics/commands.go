package avionics

import (
	"github.com/sekia-ai/safepart/internal/catalog"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

// Opcodes understood by the aircraft model and the partition.
const (
	CmdStartEngines   = "start_engines"
	CmdStopEngines    = "stop_engines"
	CmdSetThrottle    = "set_throttle"
	CmdSetElevator    = "set_elevator"
	CmdSetAileron     = "set_aileron"
	CmdSetRudder      = "set_rudder"
	CmdSetFlaps       = "set_flaps"
	CmdSetLandingGear = "set_landing_gear"
	CmdGetTelemetry   = "get_telemetry"
	CmdEnterSafeState = protocol.CmdEnterSafeState
	CmdClearSafeState = protocol.CmdClearSafeState
)

func surface(name string) catalog.Spec {
	return catalog.Spec{Name: name, Params: []catalog.Param{
		{Name: "position", Kind: catalog.Number, Required: true, Min: -1, Max: 1},
	}}
}

// Catalog returns the command catalog for the aircraft partition.
func Catalog() *catalog.Catalog {
	c, err := catalog.New(
		catalog.Spec{Name: CmdStartEngines},
		catalog.Spec{Name: CmdStopEngines},
		catalog.Spec{Name: CmdSetThrottle, Params: []catalog.Param{
			{Name: "percentage", Kind: catalog.Number, Required: true, Min: 0, Max: 100},
		}},
		surface(CmdSetElevator),
		surface(CmdSetAileron),
		surface(CmdSetRudder),
		catalog.Spec{Name: CmdSetFlaps, Params: []catalog.Param{
			{Name: "position", Kind: catalog.Number, Required: true, Min: 0, Max: 1},
		}},
		catalog.Spec{Name: CmdSetLandingGear, Params: []catalog.Param{
			{Name: "extended", Kind: catalog.Bool, Required: true},
		}},
		catalog.Spec{Name: CmdGetTelemetry, ReadOnly: true},
		catalog.Spec{Name: CmdEnterSafeState, Safety: true, Params: []catalog.Param{
			{Name: "reason", Kind: catalog.String},
		}},
		catalog.Spec{Name: CmdClearSafeState, Safety: true},
	)
	if err != nil {
		panic(err) // static table
	}
	return c
}
