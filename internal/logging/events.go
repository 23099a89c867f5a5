package logging

// EventLogger provides structured event logging with fixed schemas per event kind.
type EventLogger struct {
	log func(level Level, msg string, fields ...Field)
}

// NewEventLogger creates a new EventLogger backed by the global logging functions
func NewEventLogger() *EventLogger {
	return &EventLogger{log: log}
}

// Ingest logs the terminal outcome of one envelope.
// outcome: persisted|relayed|dropped
func (e *EventLogger) Ingest(outcome, reason, eventID, transport, stream string) {
	level := DebugLevel
	if outcome == "dropped" {
		switch reason {
		case "InvalidSignature", "UnknownTransport", "MalformedEnvelope":
			level = WarnLevel // untrusted or misbehaving transport
		default:
			level = InfoLevel
		}
	}

	fields := []Field{
		F("event", "ingest"),
		F("outcome", outcome),
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	if eventID != "" {
		fields = append(fields, F("event_id", eventID))
	}
	if transport != "" {
		fields = append(fields, F("transport", transport))
	}
	if stream != "" {
		fields = append(fields, F("stream", stream))
	}
	e.log(level, "ingest_event", fields...)
}

// Infra logs infrastructure events
// action: connect|disconnect|error|retry|read|write|ack|claim
// component: redis|nats|postgres|spill|http
// status: success|failed
func (e *EventLogger) Infra(action, component, status, details string) {
	level := DebugLevel
	if status == "failed" || action == "error" {
		level = ErrorLevel
	} else if action == "retry" {
		level = WarnLevel
	}

	fields := []Field{
		F("event", "infra"),
		F("action", action),
		F("component", component),
		F("status", status),
	}
	if details != "" {
		fields = append(fields, F("details", details))
	}
	e.log(level, "infra_event", fields...)
}

// Admin logs administrative actions such as transport provisioning.
func (e *EventLogger) Admin(action, principal, target, reason string, success bool) {
	level := InfoLevel
	status := "success"
	if !success {
		level = ErrorLevel
		status = "failed"
	}

	fields := []Field{
		F("event", "admin"),
		F("action", action),
		F("status", status),
	}
	if principal != "" {
		fields = append(fields, F("principal", principal))
	}
	if target != "" {
		fields = append(fields, F("target", target))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "admin_event", fields...)
}
