// Package blob is the default action: it writes a short text blob describing
// the occurrence.
package blob

import (
	"context"
	"fmt"
	"time"

	"cronflow/internal/executor"
)

const (
	Name        = "blob"
	ContentType = "text/plain; charset=utf-8"
	Body        = "This is a scheduled task execution."
)

// Action output depends only on the occurrence, so re-running it rewrites
// identical bytes.
var Action = executor.ActionFunc(run)

func run(ctx context.Context, inv executor.Invocation) (executor.Output, error) {
	if err := ctx.Err(); err != nil {
		return executor.Output{}, err
	}
	data := fmt.Sprintf("%s\ntask: %s\nscheduled_for: %s\n", Body, inv.TaskName, inv.ScheduledFor.UTC().Format(time.RFC3339))
	return executor.Output{Data: []byte(data), ContentType: ContentType}, nil
}
