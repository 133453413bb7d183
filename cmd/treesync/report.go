package main

import (
	"fmt"
	"io"
	"time"

	"github.com/openmined/treesync/internal/treesync"
)

func printReport(w io.Writer, r *treesync.Report, asJSON bool) error {
	if asJSON {
		data, err := r.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	status := green("✓ synced")
	switch {
	case r.Aborted:
		status = red("✗ aborted")
	case r.Failed > 0:
		status = yellow("! synced with failures")
	}
	if r.DryRun {
		status += cyan(" (dry run)")
	}

	fmt.Fprintf(w, "%s %s → %s\n", status, r.Source, r.Destination)
	fmt.Fprintf(w, "  dirs %d  transferred %d (%s)  skipped %d  deleted %d  failed %d  in %s\n",
		r.Dirs, r.Transferred, r.HumanBytes(), r.Skipped, r.Deleted, r.Failed, r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s [%s %s] %s\n", red("✗"), f.Path, f.Op, f.Kind, f.Error)
	}
	if r.AbortReason != "" {
		fmt.Fprintf(w, "  %s %s\n", red("abort:"), r.AbortReason)
	}
	return nil
}
