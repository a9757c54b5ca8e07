package logger

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// AllLevels is ordered least severe to most severe.
var AllLevels = []Level{Debug, Info, Warn, Error}

var levelNames = map[Level][2]string{
	Debug: {"debug", "DEBG"},
	Info:  {"info", "INFO"},
	Warn:  {"warn", "WARN"},
	Error: {"error", "ERRO"},
}

// Short is the fixed-width form used by the human formatter.
func (l Level) Short() string {
	if n, ok := levelNames[l]; ok {
		return n[1]
	}
	return fmt.Sprintf("%d", int(l))
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n[0]
	}
	return fmt.Sprintf("%d", int(l))
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) (err error) {
	*l, err = ParseLevel(string(text))
	return err
}

func ParseLevel(s string) (Level, error) {
	for _, l := range AllLevels {
		if s == l.String() {
			return l, nil
		}
	}
	return -1, errors.Errorf("unknown level '%s'", s)
}

type Fields map[string]interface{}

type Entry struct {
	Level   Level
	Message string
	Time    time.Time
	Fields  Fields
}

// An Outlet writes log entries to some destination.
//
// The Logger waits for all outlets of a call, bounded by its outlet timeout,
// so WriteEntry must not block. Errors are reported to the first outlet that
// accepts Error entries, never to stderr.
type Outlet interface {
	WriteEntry(entry Entry) error
}

type levelOutlet struct {
	outlet   Outlet
	minLevel Level
}

// Outlets is the set of outlets a Logger writes to, each with its minimum level.
type Outlets struct {
	mtx  sync.RWMutex
	outs []levelOutlet
}

func NewOutlets() *Outlets {
	return &Outlets{}
}

// Clone returns a copy that can be extended without affecting o.
func (o *Outlets) Clone() *Outlets {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return &Outlets{outs: append([]levelOutlet(nil), o.outs...)}
}

// Add registers outlet for all entries of minLevel or more severe.
func (o *Outlets) Add(outlet Outlet, minLevel Level) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.outs = append(o.outs, levelOutlet{outlet, minLevel})
}

// Get returns the outlets that accept entries of level, in the order they were added.
func (o *Outlets) Get(level Level) []Outlet {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	var ret []Outlet
	for _, lo := range o.outs {
		if level >= lo.minLevel {
			ret = append(ret, lo.outlet)
		}
	}
	return ret
}

// GetLoggerErrorOutlet returns the first outlet that accepts Error entries,
// or a discarding outlet if there is none.
func (o *Outlets) GetLoggerErrorOutlet() Outlet {
	if outs := o.Get(Error); len(outs) > 0 {
		return outs[0]
	}
	return nullOutlet{}
}

type nullOutlet struct{}

func (nullOutlet) WriteEntry(entry Entry) error { return nil }
