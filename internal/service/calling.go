package service

import (
	"context"
	"time"

	"github.com/cati-dispatcher/internal/circuitbreaker"
	"github.com/cati-dispatcher/internal/errors"
	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/ratelimit"
	"github.com/cati-dispatcher/internal/retry"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
	"github.com/google/uuid"
)

// CallRecordWriter persists call-id correlation records.
type CallRecordWriter interface {
	Upsert(ctx context.Context, rec *models.CallRecord) error
}

// CallLauncher bridges an assigned queue entry to the telephony
// provider: it places the call, stamps the entry as calling, and
// stores the call-id correlation for the completion protocol.
type CallLauncher struct {
	provider CallProvider
	queues   QueueStore
	calls    CallRecordWriter
	from     string
	timeout  time.Duration
	pacer    *ratelimit.DialPacer
	breaker  *circuitbreaker.CircuitBreaker
}

// NewCallLauncher creates a new call launcher. A nil pacer falls back
// to the default dial rate.
func NewCallLauncher(provider CallProvider, queues QueueStore, calls CallRecordWriter, fromNumber string, timeout time.Duration, pacer *ratelimit.DialPacer) *CallLauncher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if pacer == nil {
		pacer = ratelimit.NewDialPacer(ratelimit.DialPacerConfig{})
	}
	return &CallLauncher{
		provider: provider,
		queues:   queues,
		calls:    calls,
		from:     fromNumber,
		timeout:  timeout,
		pacer:    pacer,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "call-provider",
			MaxFailures: 3,
			CoolOff:     30 * time.Second,
		}),
	}
}

// LaunchCall places the outbound call for an assigned entry, paced to
// the provider's contracted dial rate. Provider failure requeues the
// entry in place (dispatch failure row of the transition table) and
// reports a collaborator error; a sustained provider outage opens the
// breaker and fails subsequent launches without dialing.
func (l *CallLauncher) LaunchCall(ctx context.Context, entry *models.QueueEntry) (string, error) {
	logger := logging.FromContext(ctx)

	if entry.Status != types.QueueAssigned {
		return "", errors.NewInvalidParameterError("queueEntryId", "entry is not assigned")
	}

	var callID string
	err := l.breaker.Execute(ctx, func() error {
		if err := l.pacer.Wait(ctx); err != nil {
			return err
		}

		err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
			callCtx, cancel := context.WithTimeout(ctx, l.timeout)
			defer cancel()

			var callErr error
			callID, callErr = l.provider.InitiateCall(callCtx, l.from, entry.Phone)
			return callErr
		})
		if err != nil {
			l.pacer.RecordFailure()
			return err
		}
		l.pacer.RecordSuccess()
		return nil
	})
	if err != nil {
		if effect, tErr := TransitionFor(types.OutcomeDispatchFailed, TransitionInput{}); tErr == nil {
			if _, aErr := l.queues.ApplyTransition(ctx, entry.ID, effect); aErr != nil {
				logger.WithError(aErr).Warn("Failed to requeue entry after dispatch failure")
			}
		}
		return "", errors.NewCollaboratorError("call provider", err)
	}

	rec := &models.CallRecord{
		ID:             uuid.NewString(),
		CallID:         callID,
		QueueEntryID:   entry.ID,
		ProviderStatus: "initiated",
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.calls.Upsert(ctx, rec); err != nil {
		logger.WithError(err).Warn("Failed to store call correlation record")
	}

	if _, err := l.queues.ApplyTransition(ctx, entry.ID, storage.TransitionEffect{
		NextStatus: types.QueueCalling,
	}); err != nil {
		logger.WithError(err).Warn("Failed to mark entry as calling")
	}

	logger.WithFields(map[string]interface{}{
		"queueEntryId": entry.ID,
		"callId":       callID,
	}).Info("Outbound call initiated")

	return callID, nil
}
