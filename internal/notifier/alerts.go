package notifier

import (
	"fmt"
	"strings"
	"time"

	"aitester/internal/eventbus"
	"aitester/internal/execution"
	"aitester/internal/schedule"
	"aitester/internal/suite"
)

// alertFromEvent maps bus events to alerts. Dispatch failures that already
// produced an execution are reported once, through execution.failed.
func alertFromEvent(ev eventbus.Event) (Alert, bool) {
	switch ev.Type {
	case eventbus.ExecutionFailed:
		e, ok := ev.Data.(execution.Event)
		if !ok {
			return Alert{}, false
		}
		return Alert{Kind: ev.Type, SuiteID: e.SuiteID, Priority: priorityFor(e.Status), Text: executionText(e)}, true
	case eventbus.ScheduleDispatchFailed:
		e, ok := ev.Data.(schedule.FireEvent)
		if !ok || e.ExecutionID != "" {
			return Alert{}, false
		}
		return Alert{Kind: ev.Type, SuiteID: e.SuiteID, Priority: 9, Text: dispatchText(e)}, true
	}
	return Alert{}, false
}

func priorityFor(status string) int {
	if status == suite.StatusFailed {
		return 7
	}
	return 9
}

func executionText(e execution.Event) string {
	var b strings.Builder
	name := e.SuiteName
	if name == "" {
		name = e.SuiteID
	}
	fmt.Fprintf(&b, "Suite %s %s", name, e.Status)
	if e.Trigger != "" {
		fmt.Fprintf(&b, " (%s run", e.Trigger)
		if e.Environment != "" {
			fmt.Fprintf(&b, ", env %s", e.Environment)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "execution: %s\n", e.ExecutionID)
	if e.Attempts > 1 {
		fmt.Fprintf(&b, "attempts: %d\n", e.Attempts)
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, "took: %s\n", e.Duration.Round(time.Millisecond))
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", truncate(e.Error, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}

func dispatchText(e schedule.FireEvent) string {
	name := e.SuiteName
	if name == "" {
		name = e.SuiteID
	}
	return fmt.Sprintf("Run of %s could not start (%s trigger)\nerror: %s", name, e.Trigger, truncate(e.Error, 300))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
