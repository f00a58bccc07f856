//go:build !no_automation

package automation

import (
	"strings"
	"time"

	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"

	lua "github.com/yuin/gopher-lua"
)

// registerZigbeeModule registers the `zigbee` global table in a Lua state.
func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return zigbeeOn(L, vm)
	}))
	mod.RawSetString("permit_join", L.NewFunction(func(L *lua.LState) int {
		return zigbeePermitJoin(L, e)
	}))
	mod.RawSetString("bind", L.NewFunction(func(L *lua.LState) int {
		return zigbeeBind(L, e)
	}))
	mod.RawSetString("configure_reporting", L.NewFunction(func(L *lua.LState) int {
		return zigbeeConfigureReporting(L, e)
	}))
	mod.RawSetString("get_measurement", L.NewFunction(func(L *lua.LState) int {
		return zigbeeGetMeasurement(L, e)
	}))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(e.coord.State()))
		return 1
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return zigbeeAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return zigbeeLog(L, vm, e)
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return zigbeeDevices(L, e)
	}))

	L.SetGlobal("zigbee", mod)
}

const maxHandlersPerScript = 100

// zigbee.on(type, [filter], callback). The filter table may hold ieee, name
// and cluster. The type "*" matches every event and needs a script that
// declares no events.
func zigbeeOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	if !vm.meta.handles(eventType) {
		L.ArgError(1, "event not listed in the script header: "+eventType)
		return 0
	}

	h := luaEventHandler{eventType: eventType, cluster: -1}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("ieee"); v != lua.LNil {
			h.ieee = v.String()
		}
		if v := filter.RawGetString("name"); v != lua.LNil {
			h.name = v.String()
		}
		if v, ok := filter.RawGetString("cluster").(lua.LNumber); ok {
			h.cluster = int(v)
		}
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// pushResult pushes true, or nil and the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zigbee.permit_join(enabled)
func zigbeePermitJoin(L *lua.LState, e *Engine) int {
	enabled := L.OptBool(1, true)
	err := e.coord.PermitJoin(enabled)
	if err != nil {
		e.logger.Warn("script permit_join", "err", err)
	}
	return pushResult(L, err)
}

// zigbee.bind(ieee_or_name, endpoint, cluster)
func zigbeeBind(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	ep := checkRange(L, 2, 255)
	cluster := checkRange(L, 3, 0xFFFF)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("device not found: " + target))
		return 2
	}
	err := e.coord.Bind(dev.IEEEAddress, uint8(ep), uint16(cluster))
	if err != nil {
		e.logger.Warn("script bind", "err", err, "target", target)
	}
	return pushResult(L, err)
}

// zigbee.configure_reporting(ieee_or_name, endpoint, cluster, record_or_records)
// where a record is {attribute=, type=, min=, max=, change=}.
func zigbeeConfigureReporting(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	ep := checkRange(L, 2, 255)
	cluster := checkRange(L, 3, 0xFFFF)
	tbl := L.CheckTable(4)

	var records []zcl.ConfigureReporting
	if first, ok := tbl.RawGetInt(1).(*lua.LTable); ok {
		records = append(records, tableToRecord(first))
		for i := 2; ; i++ {
			t, ok := tbl.RawGetInt(i).(*lua.LTable)
			if !ok {
				break
			}
			records = append(records, tableToRecord(t))
		}
	} else {
		records = append(records, tableToRecord(tbl))
	}

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("device not found: " + target))
		return 2
	}
	err := e.coord.ConfigureReporting(dev.IEEEAddress, uint8(ep), uint16(cluster), records...)
	if err != nil {
		e.logger.Warn("script configure_reporting", "err", err, "target", target)
	}
	return pushResult(L, err)
}

func tableToRecord(t *lua.LTable) zcl.ConfigureReporting {
	num := func(key string) uint64 {
		if n, ok := t.RawGetString(key).(lua.LNumber); ok && n >= 0 {
			return uint64(n)
		}
		return 0
	}
	return zcl.ConfigureReporting{
		AttrID:           uint16(num("attribute")),
		DataType:         uint8(num("type")),
		MinInterval:      uint16(num("min")),
		MaxInterval:      uint16(num("max")),
		ReportableChange: num("change"),
	}
}

func checkRange(L *lua.LState, n, max int) int {
	v := L.CheckInt(n)
	if v < 0 || v > max {
		L.ArgError(n, "out of range")
	}
	return v
}

// zigbee.get_measurement(ieee_or_name, name) returns value and unit.
func zigbeeGetMeasurement(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	name := L.CheckString(2)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	m, err := e.coord.Devices().Measurement(dev.IEEEAddress, name)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(m.Value))
	L.Push(lua.LString(m.Unit))
	return 2
}

// zigbee.after(seconds, callback) runs callback later on the script's VM.
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// zigbee.log(msg)
func zigbeeLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// zigbee.devices() returns a table of all devices.
func zigbeeDevices(L *lua.LState, e *Engine) int {
	devices, err := e.coord.Devices().ListDevices()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("name", lua.LString(dev.FriendlyName))
		d.RawSetString("short_addr", lua.LNumber(dev.ShortAddress))
		d.RawSetString("lqi", lua.LNumber(dev.LQI))
		d.RawSetString("left", lua.LBool(dev.Left))
		m := L.NewTable()
		for name, meas := range dev.Measurements {
			m.RawSetString(name, lua.LNumber(meas.Value))
		}
		d.RawSetString("measurements", m)
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by IEEE address or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if len(target) == 16 && isHexString(target) {
		if dev, err := e.coord.Devices().GetDevice(strings.ToUpper(target)); err == nil {
			return dev
		}
	}

	devices, err := e.coord.Devices().ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.FriendlyName, target) || strings.EqualFold(dev.IEEEAddress, target) {
			return dev
		}
	}
	return nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
