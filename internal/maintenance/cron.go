// Package maintenance runs the periodic upkeep tasks named in spec.md's
// ambient maintenance section — pool/node-status rebuilds, DLQ and
// ghost-consumer-group sweeps — on a cron schedule adapted from the
// teacher's scheduler.go/cron.go: the same field-parsing and
// sleep-until-next-due-task loop, generalized from "enqueue a Redis
// stream task" to "invoke an in-process Go func".
package maintenance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task is one scheduled maintenance job: a cron expression plus the func
// it triggers when due.
type Task struct {
	Name     string
	Schedule string
	Run      func()
	fields   cronFields
	lastRun  time.Time
}

type cronFields struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
}

func NewTask(name, schedule string, run func()) (*Task, error) {
	fields, err := parseCron(schedule)
	if err != nil {
		return nil, err
	}
	return &Task{Name: name, Schedule: schedule, Run: run, fields: fields}, nil
}

func parseCron(schedule string) (cronFields, error) {
	parts := strings.Fields(schedule)
	if len(parts) != 5 {
		return cronFields{}, fmt.Errorf("invalid cron: expected 5 fields, got %d", len(parts))
	}

	minute, err := parseField(parts[0], 0, 59)
	if err != nil {
		return cronFields{}, err
	}
	hour, err := parseField(parts[1], 0, 23)
	if err != nil {
		return cronFields{}, err
	}
	dayOfMonth, err := parseField(parts[2], 1, 31)
	if err != nil {
		return cronFields{}, err
	}
	month, err := parseField(parts[3], 1, 12)
	if err != nil {
		return cronFields{}, err
	}
	dayOfWeek, err := parseField(parts[4], 0, 6)
	if err != nil {
		return cronFields{}, err
	}

	return cronFields{minute: minute, hour: hour, dayOfMonth: dayOfMonth, month: month, dayOfWeek: dayOfWeek}, nil
}

func parseField(field string, min, max int) ([]int, error) {
	values := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		switch {
		case part == "*":
			for i := min; i <= max; i++ {
				values[i] = true
			}
		case strings.Contains(part, "/"):
			split := strings.Split(part, "/")
			step, err := strconv.Atoi(split[1])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step: %s", part)
			}
			start, end := min, max
			if split[0] != "*" {
				if strings.Contains(split[0], "-") {
					rangeParts := strings.Split(split[0], "-")
					start, _ = strconv.Atoi(rangeParts[0])
					end, _ = strconv.Atoi(rangeParts[1])
				} else {
					start, _ = strconv.Atoi(split[0])
				}
			}
			for i := start; i <= end; i += step {
				values[i] = true
			}
		case strings.Contains(part, "-"):
			rangeParts := strings.Split(part, "-")
			start, _ := strconv.Atoi(rangeParts[0])
			end, _ := strconv.Atoi(rangeParts[1])
			for i := start; i <= end; i++ {
				values[i] = true
			}
		default:
			val, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value: %s", part)
			}
			values[val] = true
		}
	}

	result := make([]int, 0, len(values))
	for v := range values {
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of range [%d-%d]", v, min, max)
		}
		result = append(result, v)
	}
	return result, nil
}

func (t *Task) NextRun(after time.Time) time.Time {
	next := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 525600; i++ {
		if t.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

func (t *Task) matches(at time.Time) bool {
	return contains(t.fields.minute, at.Minute()) &&
		contains(t.fields.hour, at.Hour()) &&
		contains(t.fields.dayOfMonth, at.Day()) &&
		contains(t.fields.month, int(at.Month())) &&
		contains(t.fields.dayOfWeek, int(at.Weekday()))
}

func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

func (t *Task) MarkRun(at time.Time) {
	t.lastRun = at
}
