// Package failure is the single place a worker routes a failed run
// through: move the resource to UNRESOURCED, record the metric, and
// fire the notification. Every worker's failure branch (§4.4 step 8)
// goes through Handle rather than writing its own variant.
package failure

import (
	"context"

	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/notify"
	"github.com/virctl/robot/pkg/types"
)

// Reasoner is implemented by any error carrying its own failure-reason
// classification (routerconfig.DataError, remote.UnsupportedServerTypeError).
// Errors that don't implement it are classified by the caller.
type Reasoner interface {
	Reason() types.FailureReason
}

// StateWriter is the subset of iaasapi.Client Handle needs to quarantine
// a resource; narrowed here so a test can fake it without standing up a
// real API client.
type StateWriter interface {
	PartialUpdateState(ctx context.Context, path string, id int, state types.State, extra map[string]interface{}) error
}

// Handle appends cause to the resource's error list, attempts to move
// it to UNRESOURCED, and fires the failure metric and notification.
// The state write is attempted even when it may itself fail (there is
// nowhere further to escalate to); a failed quarantine write is only
// logged.
func Handle(
	ctx context.Context,
	client StateWriter,
	notifier *notify.Notifier,
	path string,
	kind types.ResourceKind,
	operation string,
	id, projectID int,
	reason types.FailureReason,
	cause error,
) {
	l := log.WithOperation(log.WithResource(string(kind), id, projectID), operation)

	if reason == types.ReasonNotInValidState {
		l.Debug().Msg("resource no longer in its expected trigger state, aborting silently")
		metrics.WorkerRunsTotal.WithLabelValues(string(kind), operation, "not_in_valid_state").Inc()
		return
	}

	l.Error().Err(cause).Str("reason", string(reason)).Msg("worker failed, quarantining resource")

	if err := client.PartialUpdateState(ctx, path, id, types.Unresourced, nil); err != nil {
		l.Error().Err(err).Msg("failed to write UNRESOURCED state")
	}
	metrics.WorkerFailuresTotal.WithLabelValues(string(kind), operation, string(reason)).Inc()
	metrics.WorkerRunsTotal.WithLabelValues(string(kind), operation, "unresourced").Inc()

	we := types.WorkerError{Reason: reason, Message: cause.Error()}
	notifier.NotifyFailure(ctx, kind, id, projectID, []types.WorkerError{we})
}
