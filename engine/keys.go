package engine

import (
	"net/url"
	"strings"
)

// Namespace validates and encodes a tenant namespace for use in storage keys,
// queue names, and bus channels. Blank namespaces are rejected so two tenants
// can never collide on the empty prefix.
func Namespace(ns string) (string, error) {
	if strings.TrimSpace(ns) == "" {
		return "", Validationf("namespace must not be blank")
	}
	return url.PathEscape(ns), nil
}

// ExecutionLockResource names the advisory lock held while running an attempt.
func ExecutionLockResource(executionID string) string {
	return "execution:" + executionID
}

// SignalLockResource names the advisory lock serializing signal delivery to
// one execution.
func SignalLockResource(executionID string) string {
	return "signal:" + executionID
}

// ScheduleLockResource names the advisory lock serializing ensure/update of
// one schedule.
func ScheduleLockResource(scheduleID string) string {
	return "schedule:" + scheduleID
}

// ExecutionChannel names the bus channel carrying an execution's terminal
// notification.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// EventChannel names the bus channel carrying workflow-emitted events.
func EventChannel(event string) string {
	return "event:" + event
}
