package engine

import (
	"encoding/json"
	"time"
)

type (
	// ScheduleType selects the next-run computation for a schedule.
	ScheduleType string

	// ScheduleStatus is active or paused.
	ScheduleStatus string

	// Schedule is a recurring trigger definition. While a schedule is active
	// there is exactly one pending scheduled timer with id "sched:<ID>".
	Schedule struct {
		// ID uniquely identifies the schedule.
		ID string `json:"id"`
		// TaskID names the task started on each fire. A schedule never
		// rebinds to a different task.
		TaskID string `json:"task_id"`
		// Type is cron or interval.
		Type ScheduleType `json:"type"`
		// Pattern is a 5-field cron expression or an interval in milliseconds
		// as a decimal string, depending on Type.
		Pattern string `json:"pattern"`
		// Input is the opaque task input passed to each execution.
		Input json.RawMessage `json:"input,omitempty"`
		// Status gates timer re-arming; paused schedules create no timers.
		Status ScheduleStatus `json:"status"`
		// LastRun records the most recent fire.
		LastRun *time.Time `json:"last_run,omitempty"`
		// NextRun records the computed next fire.
		NextRun *time.Time `json:"next_run,omitempty"`
		// CreatedAt records when the schedule was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// SchedulePatch mutates a subset of schedule fields. Nil fields are left
	// untouched. Stores set UpdatedAt on every patch.
	SchedulePatch struct {
		Type    *ScheduleType
		Pattern *string
		Input   json.RawMessage
		Status  *ScheduleStatus
		LastRun *time.Time
		NextRun *time.Time
	}
)

const (
	// ScheduleCron fires on a 5-field cron expression (minute, hour,
	// day-of-month, month, day-of-week).
	ScheduleCron ScheduleType = "cron"
	// ScheduleInterval fires every fixed number of milliseconds.
	ScheduleInterval ScheduleType = "interval"
)

const (
	// ScheduleActive schedules re-arm a timer after every fire.
	ScheduleActive ScheduleStatus = "active"
	// SchedulePaused schedules create no further timers until resumed.
	SchedulePaused ScheduleStatus = "paused"
)
