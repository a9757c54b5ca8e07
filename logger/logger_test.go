package logger_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/sitetosite/logger"
)

type TestOutlet struct {
	mtx    sync.Mutex
	Record []logger.Entry
}

func (o *TestOutlet) WriteEntry(entry logger.Entry) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.Record = append(o.Record, entry)
	return nil
}

func NewTestOutlet() *TestOutlet {
	return &TestOutlet{Record: make([]logger.Entry, 0)}
}

func TestLogger_Basic(t *testing.T) {

	outletArr := []*TestOutlet{
		NewTestOutlet(),
		NewTestOutlet(),
	}

	outlets := logger.NewOutlets()
	for _, o := range outletArr {
		outlets.Add(o, logger.Debug)
	}

	l := logger.NewLogger(outlets, 1*time.Second)

	l.Info("foobar")

	l.WithField("fieldname", "fieldval").Info("log with field")

	l.WithError(fmt.Errorf("fooerror")).Error("error")

	t.Log(pretty.Sprint(outletArr))

	for _, o := range outletArr {
		require.Len(t, o.Record, 3)
		assert.Equal(t, "foobar", o.Record[0].Message)
		assert.Equal(t, "fieldval", o.Record[1].Fields["fieldname"])
		assert.Equal(t, "fooerror", o.Record[2].Fields[logger.FieldError])
		assert.Equal(t, logger.Error, o.Record[2].Level)
	}
}

func TestLogger_MinLevel(t *testing.T) {
	o := NewTestOutlet()
	outlets := logger.NewOutlets()
	outlets.Add(o, logger.Warn)
	l := logger.NewLogger(outlets, 0)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")

	require.Len(t, o.Record, 2)
	assert.Equal(t, logger.Warn, o.Record[0].Level)
}

func TestParseLevel(t *testing.T) {
	for _, l := range logger.AllLevels {
		parsed, err := logger.ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := logger.ParseLevel("verbose")
	assert.Error(t, err)
}

func TestOutlets_CloneIsIndependent(t *testing.T) {
	a, b := NewTestOutlet(), NewTestOutlet()
	outlets := logger.NewOutlets()
	outlets.Add(a, logger.Info)
	l := logger.NewLogger(outlets, 0)
	withB := l.WithOutlet(b, logger.Error)

	l.Error("only a")
	withB.Error("both")
	withB.Info("only a")

	assert.Len(t, a.Record, 3)
	require.Len(t, b.Record, 1)
	assert.Equal(t, "both", b.Record[0].Message)
	assert.Len(t, outlets.Get(logger.Error), 1)
}

func TestLevel_Text(t *testing.T) {
	text, err := logger.Warn.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "warn", string(text))
	var l logger.Level
	require.NoError(t, l.UnmarshalText([]byte("debug")))
	assert.Equal(t, logger.Debug, l)
	assert.Equal(t, "DEBG", l.Short())
	assert.Error(t, l.UnmarshalText([]byte("loud")))
}
