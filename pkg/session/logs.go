// LogObserver derives log records from failed and slow tests.
// Emits ERROR-severity logs for failed tests and WARN-severity logs for slow tests.
package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable test results.
type LogObserver struct {
	logger        log.Logger
	slowThreshold time.Duration
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
// A slowThreshold of 0 disables slow test detection.
func NewLogObserver(lp log.LoggerProvider, slowThreshold time.Duration) *LogObserver {
	return &LogObserver{
		logger:        lp.Logger("testotel"),
		slowThreshold: slowThreshold,
	}
}

// Observe emits log records for failed tests and tests exceeding the slow threshold.
func (l *LogObserver) Observe(info TestInfo) {
	attrs := []log.KeyValue{
		log.String(AttrTestName, info.ID.String()),
		log.String(AttrPackage, info.ID.Package),
	}

	if info.Outcome == OutcomeFailed {
		var rec log.Record
		rec.SetTimestamp(info.Start.Add(info.Duration))
		rec.SetSeverity(log.SeverityError)
		rec.SetSeverityText("ERROR")
		body := fmt.Sprintf("%s %s", info.ID, info.Signal)
		if info.Message != "" {
			body += ": " + info.Message
		}
		rec.SetBody(log.StringValue(body))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}

	if l.slowThreshold > 0 && info.Duration > l.slowThreshold {
		var rec log.Record
		rec.SetTimestamp(info.Start.Add(info.Duration))
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
		rec.SetBody(log.StringValue(fmt.Sprintf(
			"slow test %s: %s (threshold %s)",
			info.ID, info.Duration, l.slowThreshold,
		)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}
}
