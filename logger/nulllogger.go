package logger

// discardLogger drops all entries. Unlike a Logger without outlets,
// it never reports field overwrites.
type discardLogger struct{}

var _ Logger = discardLogger{}

// NewNullLogger returns a Logger that discards everything.
func NewNullLogger() Logger { return discardLogger{} }

func (d discardLogger) WithOutlet(Outlet, Level) Logger         { return d }
func (d discardLogger) ReplaceField(string, interface{}) Logger { return d }
func (d discardLogger) WithField(string, interface{}) Logger    { return d }
func (d discardLogger) WithFields(Fields) Logger                { return d }
func (d discardLogger) WithError(error) Logger                  { return d }
func (discardLogger) Log(Level, string)                         {}
func (discardLogger) Debug(string)                              {}
func (discardLogger) Info(string)                               {}
func (discardLogger) Warn(string)                               {}
func (discardLogger) Error(string)                              {}
func (discardLogger) Printf(string, ...interface{})             {}
