package relay

import (
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

// everySchedule fires at a constant delay after the previous activation.
// Unlike cron.Every it keeps sub-second precision.
type everySchedule struct {
	every time.Duration
}

var _ cron.Schedule = everySchedule{}

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

// cronLogger routes robfig/cron's internal logging into logx.
// cron reports every wake-up through Info, so it maps to debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelDebug) {
		return
	}
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
