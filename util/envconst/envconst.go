// Package envconst provides constants whose value can be overridden
// through environment variables, mostly for tuning and debugging.
//
// Values are looked up once and cached for the lifetime of the process.
// Unparseable values are a programming or deployment error and panic.
package envconst

import (
	"os"
	"strconv"
	"sync"
	"time"
)

var cache sync.Map

func lookup(varname string, parse func(string) (interface{}, error)) (interface{}, bool) {
	if v, ok := cache.Load(varname); ok {
		return v, true
	}
	e := os.Getenv(varname)
	if e == "" {
		return nil, false
	}
	v, err := parse(e)
	if err != nil {
		panic(err)
	}
	cache.Store(varname, v)
	return v, true
}

func Duration(varname string, def time.Duration) time.Duration {
	v, ok := lookup(varname, func(e string) (interface{}, error) { return time.ParseDuration(e) })
	if !ok {
		return def
	}
	return v.(time.Duration)
}

func Int(varname string, def int) int {
	v, ok := lookup(varname, func(e string) (interface{}, error) {
		d, err := strconv.ParseInt(e, 10, strconv.IntSize)
		return int(d), err
	})
	if !ok {
		return def
	}
	return v.(int)
}

func Uint32(varname string, def uint32) uint32 {
	v, ok := lookup(varname, func(e string) (interface{}, error) {
		d, err := strconv.ParseUint(e, 0, 32)
		return uint32(d), err
	})
	if !ok {
		return def
	}
	return v.(uint32)
}

func Bool(varname string, def bool) bool {
	v, ok := lookup(varname, func(e string) (interface{}, error) { return strconv.ParseBool(e) })
	if !ok {
		return def
	}
	return v.(bool)
}

func String(varname string, def string) string {
	v, ok := lookup(varname, func(e string) (interface{}, error) { return e, nil })
	if !ok {
		return def
	}
	return v.(string)
}
