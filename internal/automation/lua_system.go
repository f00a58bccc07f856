//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"now": func(L *lua.LState) int {
			L.Push(clockTable(L, time.Now()))
			return 1
		},
		"time_between": func(L *lua.LState) int {
			return systemTimeBetween(L, time.Now())
		},
		"log": func(L *lua.LState) int {
			return systemLog(L, vm, e)
		},
		"script": func(L *lua.LState) int {
			L.Push(metaTable(L, vm.meta))
			return 1
		},
		"network": func(L *lua.LState) int {
			L.Push(goToLua(L, e.coord.NetworkInfo()))
			return 1
		},
	}))
}

// clockTable is the result of system.now().
func clockTable(L *lua.LState, now time.Time) *lua.LTable {
	t := L.NewTable()
	for k, v := range map[string]int{
		"year": now.Year(), "month": int(now.Month()), "day": now.Day(),
		"hour": now.Hour(), "minute": now.Minute(), "second": now.Second(),
		"weekday": int(now.Weekday()),
	} {
		t.RawSetString(k, lua.LNumber(v))
	}
	t.RawSetString("timestamp", lua.LNumber(now.Unix()))
	t.RawSetString("time_str", lua.LString(now.Format("15:04:05")))
	t.RawSetString("date_str", lua.LString(now.Format("2006-01-02")))
	return t
}

// system.time_between(from, to) reports whether now falls in [from, to).
// Bounds are hours (22) or "HH:MM" strings; a range like 22-6 wraps
// midnight.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := clockMinute(L, 1)
	to := clockMinute(L, 2)
	m := now.Hour()*60 + now.Minute()

	if from <= to {
		L.Push(lua.LBool(m >= from && m < to))
	} else {
		L.Push(lua.LBool(m >= from || m < to))
	}
	return 1
}

// clockMinute reads argument n as minutes since midnight.
func clockMinute(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, "hour out of range")
		}
		return h * 60
	case lua.LString:
		hh, mm, ok := strings.Cut(string(v), ":")
		h, err1 := strconv.Atoi(hh)
		m, err2 := strconv.Atoi(mm)
		if !ok || err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			L.ArgError(n, fmt.Sprintf("want HH:MM, got %q", string(v)))
		}
		return h*60 + m
	default:
		L.ArgError(n, "want hour or \"HH:MM\"")
		return 0
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if vm.logf != nil {
		vm.logf("[" + level + "] " + msg)
	}
	lvl, ok := logLevels[level]
	if !ok {
		lvl = slog.LevelInfo
	}
	e.logger.Log(context.Background(), lvl, "script log", "script", vm.meta.Name, "msg", msg)
	return 0
}

// metaTable exposes the script header to the script itself.
func metaTable(L *lua.LState, meta ScriptMeta) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(meta.Name))
	t.RawSetString("enabled", lua.LBool(meta.Enabled))
	events := L.NewTable()
	for _, ev := range meta.Events {
		events.Append(lua.LString(ev))
	}
	t.RawSetString("events", events)
	devices := L.NewTable()
	for _, d := range meta.Devices {
		devices.Append(lua.LString(d))
	}
	t.RawSetString("devices", devices)
	return t
}
