package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/moosh3/mindloom/pkg/bus"
	"github.com/moosh3/mindloom/pkg/log"
	"github.com/moosh3/mindloom/pkg/metrics"
	"github.com/moosh3/mindloom/pkg/runnable"
	"github.com/moosh3/mindloom/pkg/runstore"
	"github.com/moosh3/mindloom/pkg/types"
)

const (
	// maxEnvelopeBytes bounds one encoded envelope on the result channel.
	maxEnvelopeBytes = 1 << 20
	// envelopeOverhead is headroom for the envelope frame around a payload.
	envelopeOverhead = 64
	// maxOutputBytes caps in-memory output aggregation before spilling.
	maxOutputBytes = 64 << 20
	// logSinkDepth bounds log records buffered between logger and bus.
	logSinkDepth = 256

	endPublishBudget     = 5 * time.Second
	terminalRetryInitial = 200 * time.Millisecond
	terminalRetryMax     = 10 * time.Second
)

// Harness executes exactly one run inside a worker process: it moves the
// record to running if the coordinator has not already, streams the
// runnable's output to the result channel, and lands the terminal status
// with a compare-and-swap.
type Harness struct {
	contract Contract
	store    runstore.Store
	bus      bus.Bus
	resolver runnable.Resolver
	logger   zerolog.Logger
}

// New assembles a harness around a parsed contract.
func New(contract Contract, store runstore.Store, b bus.Bus, resolver runnable.Resolver) *Harness {
	return &Harness{
		contract: contract,
		store:    store,
		bus:      b,
		resolver: resolver,
		logger:   log.WithRunID(contract.RunID),
	}
}

// Run drives the run to a terminal status. A non-nil return makes the
// process exit non-zero; the exit code is advisory, the store record is
// what the rest of the system trusts.
func (h *Harness) Run(ctx context.Context) error {
	run, err := h.store.Fetch(ctx, h.contract.RunID)
	if err != nil {
		return fmt.Errorf("failed to fetch run %s: %w", h.contract.RunID, err)
	}
	if run.Status.IsTerminal() {
		h.logger.Info().Str("status", string(run.Status)).Msg("Run already terminal, nothing to do")
		return nil
	}

	// Normally the coordinator lands pending->running right after the
	// launch; a fast worker gets here first and does it itself.
	if run.Status == types.StatusPending {
		now := time.Now().UTC()
		ok, err := h.store.Transition(ctx, run.ID, types.StatusPending, types.StatusRunning, runstore.Patch{StartedAt: &now})
		if err != nil {
			return fmt.Errorf("failed to mark run %s running: %w", run.ID, err)
		}
		if !ok {
			run, err = h.store.Fetch(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("failed to re-read run %s: %w", run.ID, err)
			}
			if run.Status.IsTerminal() {
				h.logger.Info().Str("status", string(run.Status)).Msg("Run ended before the worker started")
				return nil
			}
		}
	}

	// From here on everything the process logs is also visible to log
	// stream subscribers.
	sink := NewBusSink(h.bus, h.contract.LogChannel, logSinkDepth)
	defer sink.Close()
	log.Replace(zerolog.New(zerolog.MultiLevelWriter(os.Stderr, sink)).With().
		Timestamp().Str("run_id", run.ID).Logger())
	h.logger = log.Logger

	target, err := h.resolver.Resolve(ctx, h.contract.RunnableKind, h.contract.RunnableID)
	if err != nil {
		return h.fail(ctx, fmt.Sprintf("failed to resolve %s %s: %v", h.contract.RunnableKind, h.contract.RunnableID, err))
	}

	h.logger.Info().
		Str("runnable_kind", string(h.contract.RunnableKind)).
		Str("runnable_id", h.contract.RunnableID).
		Msg("Executing runnable")

	chunks, err := target.Run(ctx, h.contract.InputVariables)
	if err != nil {
		return h.fail(ctx, fmt.Sprintf("failed to start runnable: %v", err))
	}

	agg := newAggregator(maxOutputBytes)
	for chunk := range chunks {
		if chunk.Err != nil {
			return h.fail(ctx, chunk.Err.Error())
		}
		h.publishChunk(ctx, chunk.Payload, agg)
	}
	if ctx.Err() != nil {
		// Stopped mid-stream. The terminal status belongs to whoever
		// stopped us: cancellation already wrote it, a plain kill is
		// the reaper's to clean up.
		return ctx.Err()
	}

	h.publishEnd(ctx, "")
	return h.complete(ctx, agg.output())
}

// publishChunk splits the payload to fit the envelope cap, publishes each
// piece and feeds the aggregator. A failed publish drops that piece and
// counts it; chunks are transient and the aggregate still lands in the
// terminal record.
func (h *Harness) publishChunk(ctx context.Context, payload json.RawMessage, agg *aggregator) {
	for _, piece := range splitPayload(payload, maxEnvelopeBytes-envelopeOverhead) {
		agg.add(piece)
		data, err := types.EncodeEnvelope(types.ChunkEnvelope(piece))
		if err != nil {
			metrics.WorkerChunkDrops.Inc()
			h.logger.Warn().Err(err).Msg("Dropping unencodable chunk")
			continue
		}
		if err := h.bus.Publish(ctx, h.contract.ResultChannel, data); err != nil {
			metrics.WorkerChunkDrops.Inc()
			h.logger.Warn().Err(err).Msg("Dropping chunk after failed publish")
			continue
		}
		metrics.WorkerChunksPublished.Inc()
	}
}

// publishEnd sends the envelope that closes the stream. Unlike chunks it
// gets a retry budget: losing it leaves subscribers waiting on a stream
// that will never finish on its own.
func (h *Harness) publishEnd(ctx context.Context, errMsg string) {
	env := types.EndEnvelope()
	if errMsg != "" {
		env = types.EndErrorEnvelope(errMsg)
	}
	data, err := types.EncodeEnvelope(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode end envelope")
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = endPublishBudget
	err = backoff.Retry(func() error {
		return h.bus.Publish(ctx, h.contract.ResultChannel, data)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to publish end envelope; status polling will catch subscribers up")
	}
}

// fail publishes the error to the stream, lands the failed status and
// reports the failure for the exit code.
func (h *Harness) fail(ctx context.Context, msg string) error {
	h.logger.Error().Str("error", msg).Msg("Run failed")
	h.publishEnd(ctx, msg)
	now := time.Now().UTC()
	if err := h.landTerminal(ctx, types.StatusFailed, runstore.Patch{ErrorMessage: msg, EndedAt: &now}); err != nil {
		return err
	}
	return fmt.Errorf("run %s failed: %s", h.contract.RunID, msg)
}

func (h *Harness) complete(ctx context.Context, output any) error {
	now := time.Now().UTC()
	if err := h.landTerminal(ctx, types.StatusCompleted, runstore.Patch{OutputData: output, EndedAt: &now}); err != nil {
		return err
	}
	h.logger.Info().Msg("Run completed")
	return nil
}

// landTerminal compare-and-swaps running to the terminal status, retrying
// store errors until the write sticks or the process dies. Losing the swap
// to another writer is fine: cancellation and the reaper win by landing
// first, and their record stands.
func (h *Harness) landTerminal(ctx context.Context, status types.Status, patch runstore.Patch) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = terminalRetryInitial
	policy.MaxInterval = terminalRetryMax
	policy.MaxElapsedTime = 0 // retry until the store accepts or we are killed

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.WorkerTerminalRetries.Inc()
		}
		ok, err := h.store.Transition(ctx, h.contract.RunID, types.StatusRunning, status, patch)
		if err != nil {
			h.logger.Warn().Err(err).Int("attempt", attempt).Msg("Terminal transition failed, will retry")
			return err
		}
		if !ok {
			current, err := h.store.Fetch(ctx, h.contract.RunID)
			if err != nil {
				return err
			}
			h.logger.Info().Str("status", string(current.Status)).Msg("Terminal status already written by another writer")
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
