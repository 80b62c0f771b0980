package scheduler

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"
)

// FormatJobList renders jobs as an aligned table for the CLI.
func FormatJobList(jobs []Job, now time.Time) string {
	if len(jobs) == 0 {
		return "No scheduled jobs.\n"
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tCATEGORY\tKIND\tPERIOD\tCHANNEL\tNEXT FIRE\tIN\tLAST FIRED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.UserID, j.Category, j.Kind, dash(j.Period), dash(j.Channel),
			j.NextFireAt.Format(time.DateTime), until(now, j.NextFireAt), lastFired(j.LastFiredAt))
	}
	_ = w.Flush()
	return buf.String()
}

func until(now, at time.Time) string {
	d := at.Sub(now)
	if d <= 0 {
		return "due"
	}
	return d.Truncate(time.Minute).String()
}

func lastFired(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateTime)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
