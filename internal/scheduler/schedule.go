package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"

	"github.com/robfig/cron/v3"
)

var ErrInvalidCronExpr = errors.New("invalid cron expression")

// Five-field expressions plus descriptors such as @daily or @every 1h.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const CustomScheduleValue = "custom"

var scheduleOptions = []model.ScheduleOption{
	{Value: "*/1 * * * *", Label: "Every minute", Description: "Runs every minute (for testing)"},
	{Value: "0 */1 * * *", Label: "Hourly", Description: "Runs at the start of every hour"},
	{Value: "0 2 * * *", Label: "Daily", Description: "Runs every day at 02:00"},
	{Value: "0 2 * * 0", Label: "Weekly", Description: "Runs every Sunday at 02:00"},
	{Value: "0 2 1 * *", Label: "Monthly", Description: "Runs on the 1st of every month at 02:00"},
	{Value: CustomScheduleValue, Label: "Custom", Description: "Enter your own cron expression"},
}

// ParseSchedule parses a cron expression. Errors wrap ErrInvalidCronExpr.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == CustomScheduleValue {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCronExpr, expr)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpr, expr, err)
	}
	return sched, nil
}

// ValidateSchedule accepts an empty expression, meaning no schedule.
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := ParseSchedule(expr)
	return err
}

// ScheduleOptions lists the schedule presets in display order.
func ScheduleOptions() []model.ScheduleOption {
	out := make([]model.ScheduleOption, len(scheduleOptions))
	copy(out, scheduleOptions)
	return out
}
