package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/hibiken/asynq"
)

const usage = `usage: backoffice jobs <command> [flags]

commands:
  payout-start  -paysheet ID -author ID   enqueue a payout run
  close-retry   -paysheet ID              enqueue another close attempt
  replay        -event ID                 reprocess a stored bank webhook
  inspect       [-json]                   show payout and default queue depth
`

// Run dispatches a jobs subcommand and returns the process exit code.
func Run(ctx context.Context, c *JobsCLI, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("jobs "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	paysheetID := fs.Int64("paysheet", 0, "paysheet id")
	authorID := fs.Int64("author", 0, "acting user id")
	eventID := fs.Int64("event", 0, "webhook event id")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "payout-start":
		if *paysheetID <= 0 || *authorID <= 0 {
			_, _ = fmt.Fprintln(stderr, "jobs payout-start: -paysheet and -author are required")
			return 2
		}
		info, err := c.StartPayout(ctx, *paysheetID, *authorID)
		return report(stdout, stderr, "payout-start", info, err)
	case "close-retry":
		if *paysheetID <= 0 {
			_, _ = fmt.Fprintln(stderr, "jobs close-retry: -paysheet is required")
			return 2
		}
		info, err := c.RetryClose(ctx, *paysheetID)
		return report(stdout, stderr, "close-retry", info, err)
	case "replay":
		if *eventID <= 0 {
			_, _ = fmt.Fprintln(stderr, "jobs replay: -event is required")
			return 2
		}
		info, err := c.ReplayWebhook(ctx, *eventID)
		return report(stdout, stderr, "replay", info, err)
	case "inspect":
		return c.InspectCommand(ctx, InspectOptions{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})
	default:
		_, _ = fmt.Fprintf(stderr, "jobs: unknown command %q\n%s", args[0], usage)
		return 2
	}
}

func report(stdout, stderr io.Writer, command string, info *asynq.TaskInfo, err error) int {
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		_, _ = fmt.Fprintf(stdout, "jobs %s: already queued\n", command)
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs %s: %v\n", command, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "jobs %s: enqueued %s on %s\n", command, info.ID, info.Queue)
	return 0
}
