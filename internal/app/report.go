package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/specialistvlad/stagegrid/internal/record"
)

// WriteSummary prints one row per stage followed by the run status.
func WriteSummary(w io.Writer, snap record.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nRun %s\n", snap.RunID)
	fmt.Fprintln(tw, "STAGE\tSTATE\tATTEMPTS\tDURATION\tCACHED\tDETAIL")
	for _, st := range snap.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			st.Name,
			st.State,
			st.Attempts,
			formatDuration(st.Duration()),
			yesNo(st.Cached),
			detail(st),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := snap.Counts()
	_, err := fmt.Fprintf(w, "Status: %s (succeeded %d, failed %d, timed out %d, skipped %d) in %s\n",
		snap.Status,
		counts[record.Succeeded],
		counts[record.Failed],
		counts[record.TimedOut],
		counts[record.Skipped],
		formatDuration(snap.FinishedAt.Sub(snap.StartedAt)),
	)
	return err
}

func detail(st record.StageRecord) string {
	switch {
	case st.LastError != nil && st.State != record.Succeeded:
		msg := st.LastError.Error()
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return msg
	case st.SkipReason != "":
		return "skipped: " + string(st.SkipReason)
	}
	return "-"
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
