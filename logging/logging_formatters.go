package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/go-logfmt/logfmt"
	"github.com/pkg/errors"

	"github.com/zrepl/sitetosite/logger"
)

const (
	FieldLevel   = "level"
	FieldMessage = "msg"
	FieldTime    = "time"
)

const (
	SubsysField         = "subsystem"
	logPeerField        = "peer"
	logTransactionField = "transaction"
)

type MetadataFlags int64

const (
	MetadataTime MetadataFlags = 1 << iota
	MetadataLevel
	MetadataColor

	MetadataNone MetadataFlags = 0
	MetadataAll  MetadataFlags = ^0
)

type EntryFormatter interface {
	SetMetadataFlags(flags MetadataFlags)
	Format(e *logger.Entry) ([]byte, error)
}

var levelColors = map[logger.Level]*color.Color{
	logger.Debug: color.New(color.FgHiBlack),
	logger.Info:  color.New(color.FgCyan),
	logger.Warn:  color.New(color.FgYellow),
	logger.Error: color.New(color.FgRed, color.Bold),
}

func init() {
	// whether to color is decided per outlet
	for _, c := range levelColors {
		c.EnableColor()
	}
}

type HumanFormatter struct {
	metadataFlags MetadataFlags
	ignoreFields  map[string]bool
}

const HumanFormatterDateFormat = time.RFC3339

func (f *HumanFormatter) SetMetadataFlags(flags MetadataFlags) {
	f.metadataFlags = flags
}

func (f *HumanFormatter) SetIgnoreFields(ignore []string) {
	if ignore == nil {
		f.ignoreFields = nil
		return
	}
	f.ignoreFields = make(map[string]bool, len(ignore))

	for _, field := range ignore {
		f.ignoreFields[field] = true
	}
}

func (f *HumanFormatter) ignored(field string) bool {
	return f.ignoreFields != nil && f.ignoreFields[field]
}

func (f *HumanFormatter) Format(e *logger.Entry) (out []byte, err error) {

	var line bytes.Buffer

	if f.metadataFlags&MetadataTime != 0 {
		fmt.Fprintf(&line, "%s ", e.Time.Format(HumanFormatterDateFormat))
	}
	if f.metadataFlags&MetadataLevel != 0 {
		level := fmt.Sprintf("[%s]", e.Level.Short())
		if c, ok := levelColors[e.Level]; ok && f.metadataFlags&MetadataColor != 0 {
			level = c.Sprint(level)
		}
		line.WriteString(level)
	}

	prefixFields := []string{SubsysField, logPeerField, logTransactionField}
	prefixed := make(map[string]bool, len(prefixFields))
	for _, field := range prefixFields {
		val, ok := e.Fields[field]
		if !ok || f.ignored(field) {
			continue
		}
		fmt.Fprintf(&line, "[%v]", val)
		prefixed[field] = true
	}

	if line.Len() > 0 {
		fmt.Fprint(&line, ": ")
	}
	fmt.Fprint(&line, e.Message)

	if len(e.Fields)-len(prefixed) > 0 {
		fmt.Fprint(&line, " ")
		enc := logfmt.NewEncoder(&line)
		for _, field := range sortedFields(e.Fields) {
			if prefixed[field] || f.ignored(field) {
				continue
			}
			if err := logfmtTryEncodeKeyval(enc, field, e.Fields[field]); err != nil {
				return nil, err
			}
		}
	}

	return line.Bytes(), nil
}

func sortedFields(fields logger.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type JSONFormatter struct {
	metadataFlags MetadataFlags
}

func (f *JSONFormatter) SetMetadataFlags(flags MetadataFlags) {
	f.metadataFlags = flags
}

func (f *JSONFormatter) Format(e *logger.Entry) ([]byte, error) {
	data := make(logger.Fields, len(e.Fields)+3)
	for k, v := range e.Fields {
		switch v := v.(type) {
		case error:
			// encoding/json would encode most errors as {}
			data[k] = v.Error()
		case fmt.Stringer:
			data[k] = v.String()
		default:
			_, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Errorf("field is not JSON encodable: %s", k)
			}
			data[k] = v
		}
	}

	data[FieldMessage] = e.Message
	data[FieldTime] = e.Time.Format(time.RFC3339)
	data[FieldLevel] = e.Level

	return json.Marshal(data)

}

type LogfmtFormatter struct {
	metadataFlags MetadataFlags
}

func (f *LogfmtFormatter) SetMetadataFlags(flags MetadataFlags) {
	f.metadataFlags = flags
}

func (f *LogfmtFormatter) Format(e *logger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)

	if f.metadataFlags&MetadataTime != 0 {
		if err := enc.EncodeKeyval(FieldTime, e.Time); err != nil {
			return nil, err
		}
	}
	if f.metadataFlags&MetadataLevel != 0 {
		if err := enc.EncodeKeyval(FieldLevel, e.Level); err != nil {
			return nil, err
		}
	}

	// subsystem, peer and transaction first
	prefixed := make(map[string]bool, 3)
	for _, pf := range []string{SubsysField, logPeerField, logTransactionField} {
		v, ok := e.Fields[pf]
		if !ok {
			continue
		}
		if err := logfmtTryEncodeKeyval(enc, pf, v); err != nil {
			return nil, err // unlikely
		}
		prefixed[pf] = true
	}

	if err := enc.EncodeKeyval(FieldMessage, e.Message); err != nil {
		return nil, err
	}

	for _, k := range sortedFields(e.Fields) {
		if !prefixed[k] {
			if err := logfmtTryEncodeKeyval(enc, k, e.Fields[k]); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

func logfmtTryEncodeKeyval(enc *logfmt.Encoder, field, value interface{}) error {

	err := enc.EncodeKeyval(field, value)
	switch err {
	case nil: // ok
		return nil
	case logfmt.ErrUnsupportedValueType:
		return enc.EncodeKeyval(field, fmt.Sprintf("<%T>", value))
	}
	return errors.Wrapf(err, "cannot encode field '%s'", field)

}
