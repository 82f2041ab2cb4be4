// Package events defines the outbound event contract between the routing core
// and connected clients: the closed set of event types, the flat envelope
// shape, and the safe serialization applied before transport send.
package events

import (
	"time"
)

// Type identifies an outbound event. The set is closed; transport-level
// status uses TypeConnectionStatus, everything else is agent activity.
type Type string

const (
	TypeAgentStarted     Type = "agent_started"
	TypeAgentThinking    Type = "agent_thinking"
	TypeToolExecuting    Type = "tool_executing"
	TypeToolCompleted    Type = "tool_completed"
	TypeAgentCompleted   Type = "agent_completed"
	TypeProgressUpdate   Type = "progress_update"
	TypeError            Type = "error"
	TypeConnectionStatus Type = "connection_status"
)

// criticalTypes is the golden set whose reliable delivery defines product
// value. Envelopes of these types are flagged critical and are eligible for
// the recovery queue.
var criticalTypes = map[Type]bool{
	TypeAgentStarted:   true,
	TypeAgentThinking:  true,
	TypeToolExecuting:  true,
	TypeToolCompleted:  true,
	TypeAgentCompleted: true,
}

// IsCritical reports whether t belongs to the golden set.
func IsCritical(t Type) bool { return criticalTypes[t] }

var knownTypes = map[Type]bool{
	TypeAgentStarted:     true,
	TypeAgentThinking:    true,
	TypeToolExecuting:    true,
	TypeToolCompleted:    true,
	TypeAgentCompleted:   true,
	TypeProgressUpdate:   true,
	TypeError:            true,
	TypeConnectionStatus: true,
}

// Known reports whether t is a member of the closed type set.
func Known(t Type) bool { return knownTypes[t] }

// Envelope is the JSON object sent to a connection. Business fields live at
// the envelope root next to "type" and "timestamp"; nesting them under a
// "data" or "payload" key is a forbidden regression, which is why the
// envelope is a map rather than a struct with a payload field.
type Envelope map[string]any

// Reserved envelope keys set by the builder.
const (
	KeyType      = "type"
	KeyTimestamp = "timestamp"
	KeyCritical  = "critical"
	KeyRunID     = "run_id"
	KeyThreadID  = "thread_id"
	KeyUserID    = "user_id"
)

// New builds an envelope of the given type with the business fields hoisted
// to the root. Caller-supplied values win only for business keys; "type",
// "timestamp" and "critical" are always set by the builder. All values pass
// through Sanitize so the result is JSON-encodable.
func New(t Type, business map[string]any) Envelope {
	env := make(Envelope, len(business)+3)
	for k, v := range business {
		env[k] = Sanitize(v)
	}
	env[KeyType] = string(t)
	env[KeyTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	env[KeyCritical] = IsCritical(t)
	return env
}

// Type returns the envelope's event type, or "" if absent.
func (e Envelope) Type() Type {
	s, _ := e[KeyType].(string)
	return Type(s)
}

// Timestamp returns the envelope's ISO-8601 timestamp string.
func (e Envelope) Timestamp() string {
	s, _ := e[KeyTimestamp].(string)
	return s
}

// WithRouting returns the envelope with run/thread/user routing fields set.
// Empty values are left out rather than written as empty strings.
func (e Envelope) WithRouting(runID, threadID, userID string) Envelope {
	if runID != "" {
		e[KeyRunID] = runID
	}
	if threadID != "" {
		e[KeyThreadID] = threadID
	}
	if userID != "" {
		e[KeyUserID] = userID
	}
	return e
}

// requiredFields lists, per event type, the business fields an envelope must
// carry at its root. Inner slices are alternatives: one of them suffices.
var requiredFields = map[Type][][]string{
	TypeAgentStarted:   {{"user_id"}, {"thread_id"}, {"agent_name"}},
	TypeAgentThinking:  {{"reasoning"}, {"agent_name"}},
	TypeToolExecuting:  {{"tool_name"}, {"tool_args", "parameters"}, {"execution_id"}},
	TypeToolCompleted:  {{"tool_name"}, {"results", "result"}, {"execution_time", "duration"}},
	TypeAgentCompleted: {{"status"}, {"final_response"}},
	TypeProgressUpdate: {{"progress"}},
	TypeError:          {{"error_code"}, {"message"}},
}

// Validate checks the envelope invariant: "type" and "timestamp" present and
// every required business field of the envelope's type at the root.
func (e Envelope) Validate() error {
	t := e.Type()
	if t == "" {
		return &ValidationError{Missing: KeyType}
	}
	if e.Timestamp() == "" {
		return &ValidationError{Type: t, Missing: KeyTimestamp}
	}
	for _, alternatives := range requiredFields[t] {
		found := false
		for _, field := range alternatives {
			if _, ok := e[field]; ok {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Type: t, Missing: alternatives[0]}
		}
	}
	return nil
}

// ValidationError reports a missing required envelope field.
type ValidationError struct {
	Type    Type
	Missing string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "events: envelope missing " + e.Missing
	}
	return "events: " + string(e.Type) + " envelope missing " + e.Missing
}
