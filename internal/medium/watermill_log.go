package medium

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolrelay/internal/logx"
)

// zerologAdapter routes watermill logs to the shared zerolog logger.
type zerologAdapter struct {
	fields watermill.LogFields
}

// NewWatermillLogger returns a watermill.LoggerAdapter writing through logx.
func NewWatermillLogger() watermill.LoggerAdapter {
	return zerologAdapter{}
}

func (a zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	return e.Str("component", "watermill").Fields(map[string]interface{}(a.fields.Add(fields)))
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(logx.Log.Error(), fields).Err(err).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at info; keep it at debug.
	a.event(logx.Log.Debug(), fields).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(logx.Log.Trace(), fields).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(logx.Log.Trace(), fields).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{fields: a.fields.Add(fields)}
}
