// ABOUTME: Bridge wires inbound webhook events through dedup, storage, and the correlator
// ABOUTME: Owns outward posting order: attach the thread only after the post succeeds

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/maigic/mailbridge/internal/correlator"
	"github.com/maigic/mailbridge/internal/dedupe"
	"github.com/maigic/mailbridge/internal/store"
)

// InboundEvent is one webhook delivery from a content provider.
// EventID is the provider's stable delivery identifier, used for dedup;
// SourceID identifies the content item itself (e.g., the mail message id).
type InboundEvent struct {
	EventID  string
	Kind     store.SourceKind
	SourceID string
	Content  string
}

// ReplyEvent is one human reply delivered from the messaging platform.
// MessageID is the platform's message identifier, used to drop redelivered
// reply webhooks before they reach the correlator.
type ReplyEvent struct {
	MessageID string
	ThreadRef string
	Text      string
}

// Bridge connects the webhook surface to the correlation core. It owns the
// two collaborator contracts the core leaves external: inbound event
// ingestion (dedup + find-or-create) and outward posting (post first,
// attach after success).
type Bridge struct {
	window      *dedupe.Window
	items       store.ItemStore
	transcripts store.TranscriptLog
	correlator  *correlator.Correlator
	poster      Poster
	channel     string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// Config holds the bridge's construction parameters.
type Config struct {
	// Channel is the outward destination for initial posts.
	Channel string
	// ProcessRate caps item processing per second; zero means no throttle.
	ProcessRate float64
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a Bridge over the given collaborators.
func New(window *dedupe.Window, st store.Store, corr *correlator.Correlator, poster Poster, cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ProcessRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ProcessRate), 1)
	}

	return &Bridge{
		window:      window,
		items:       st,
		transcripts: st,
		correlator:  corr,
		poster:      poster,
		channel:     cfg.Channel,
		limiter:     limiter,
		logger:      logger.With("component", "bridge"),
	}
}

// HandleInbound ingests one content delivery. Redelivered events are
// dropped through the dedup window; replayed content with a fresh event id
// is a no-op on the item record via FindOrCreate. Returns whether a new
// item was created. Ingestion never generates a response; processing is
// decoupled so the polling loop can throttle load.
func (b *Bridge) HandleInbound(ctx context.Context, ev InboundEvent) (bool, error) {
	key := fmt.Sprintf("inbound:%s:%s", ev.Kind, ev.EventID)
	if !b.window.ShouldProcess(key) {
		b.logger.Debug("duplicate inbound event ignored",
			"event_id", ev.EventID,
			"source_id", ev.SourceID)
		return false, nil
	}

	_, created, err := b.items.FindOrCreate(ctx, store.ItemKey{Kind: ev.Kind, ID: ev.SourceID}, ev.Content)
	if err != nil {
		return false, fmt.Errorf("ingesting item: %w", err)
	}

	if created {
		b.logger.Info("item ingested", "kind", ev.Kind, "source_id", ev.SourceID)
	} else {
		b.logger.Debug("item already known", "kind", ev.Kind, "source_id", ev.SourceID)
	}
	return created, nil
}

// ProcessNext picks the oldest unattached item, obtains its initial
// response, posts it outward, and attaches the resulting thread. If a
// previous run generated a response but the post failed, the pending
// response is re-posted rather than regenerated. Returns whether an item
// was processed; (false, nil) means nothing is eligible.
func (b *Bridge) ProcessNext(ctx context.Context) (bool, error) {
	item, err := b.items.FindOldestUnattached(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("finding next item: %w", err)
	}

	// Correlates the generate/post/attach trio in logs for one run.
	runID := uuid.New().String()
	logger := b.logger.With("run_id", runID, "key", item.Key.String())

	text, pending, err := b.correlator.PendingResponse(ctx, item.Key)
	if err != nil {
		return false, err
	}
	if pending {
		logger.Warn("re-posting pending response from an earlier failed post")
	} else {
		text, err = b.correlator.GenerateInitial(ctx, item.Key)
		if err != nil {
			return false, fmt.Errorf("generating initial response: %w", err)
		}
	}

	threadRef, err := b.poster.PostNew(ctx, b.channel, text)
	if err != nil {
		// The response stays in the transcript; the next run re-posts it.
		return false, fmt.Errorf("posting initial response: %w", err)
	}

	if err := b.items.AttachThread(ctx, item.Key, threadRef, b.channel); err != nil {
		return false, fmt.Errorf("attaching thread %s: %w", threadRef, err)
	}

	logger.Info("item correlated", "thread_ref", threadRef)
	return true, nil
}

// HandleReply applies one human reply from the messaging platform. The
// reply is deduplicated by its platform message id before it reaches the
// correlator, so a redelivered webhook cannot append the same human turn
// twice. The responder's answer is posted back into the same thread.
func (b *Bridge) HandleReply(ctx context.Context, ev ReplyEvent) error {
	key := "reply:" + ev.MessageID
	if !b.window.ShouldProcess(key) {
		b.logger.Debug("duplicate reply ignored",
			"message_id", ev.MessageID,
			"thread_ref", ev.ThreadRef)
		return nil
	}

	item, err := b.items.FindByThread(ctx, ev.ThreadRef)
	if err != nil {
		// Nothing happened yet; release the key so a redelivery can retry.
		b.window.Forget(key)
		return fmt.Errorf("resolving thread %s: %w", ev.ThreadRef, err)
	}

	text, err := b.correlator.HandleReply(ctx, item.Key, ev.Text)
	if err != nil {
		// The correlator appends nothing on failure, so the reply is still
		// unprocessed; release the key rather than eat the redelivery. A
		// failed outward post below keeps the key: the turns are already in
		// the transcript and reprocessing would duplicate them.
		b.window.Forget(key)
		return fmt.Errorf("handling reply on %s: %w", ev.ThreadRef, err)
	}

	if err := b.poster.PostReply(ctx, item.ChannelRef, ev.ThreadRef, text); err != nil {
		return fmt.Errorf("posting reply: %w", err)
	}

	b.logger.Info("reply answered", "key", item.Key.String(), "thread_ref", ev.ThreadRef)
	return nil
}

// Run drives ProcessNext on a ticker until the context is cancelled. Each
// tick drains all eligible items, throttled by the process-rate limiter.
// Processing errors are logged and retried on the next tick rather than
// stopping the loop.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("bridge loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge loop stopped")
			return ctx.Err()
		case <-ticker.C:
			for {
				if err := b.limiter.Wait(ctx); err != nil {
					return err
				}
				processed, err := b.ProcessNext(ctx)
				if err != nil {
					b.logger.Error("processing failed", "error", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}
