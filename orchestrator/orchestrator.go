package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/auditstore"
	"github.com/Riyaanquadri/imrantweetbot/dedupe"
	"github.com/Riyaanquadri/imrantweetbot/publisher"
	"github.com/Riyaanquadri/imrantweetbot/quota"
	"github.com/Riyaanquadri/imrantweetbot/safety"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("orchestrator")

// Orchestrator runs candidate texts through safety, quota and duplicate
// checks, and then either publishes them or routes them to the review queue.
// Every terminal outcome is recorded in the audit store.
//
// All fields are required, except Logger.
type Orchestrator struct {
	Logger    *slog.Logger
	Store     *auditstore.Store
	Safety    *safety.Checker
	Quota     *quota.Manager
	Dedupe    *dedupe.Detector
	Publisher publisher.Publisher

	// when set, drafts which pass every gate are marked posted without calling the publisher, and without consuming quota
	DryRun bool
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// SubmitPost runs a standalone post through the full pipeline. An error is
// returned only if the audit store could not record the outcome.
func (o *Orchestrator) SubmitPost(ctx context.Context, req PostRequest) (*Decision, error) {
	if strings.HasPrefix(strings.TrimSpace(req.Context), replyContextPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrReservedContext, req.Context)
	}
	return o.submit(ctx, KindPost, req.Text, req.Context, req.Variant, req.ForceReview, "", "")
}

// SubmitReply runs a reply through the pipeline. Replies skip the duplicate
// check, and are dropped without review when quota is exhausted.
func (o *Orchestrator) SubmitReply(ctx context.Context, req ReplyRequest) (*Decision, error) {
	if req.InReplyToID == "" {
		return nil, fmt.Errorf("submit reply: missing in-reply-to id")
	}
	return o.submit(ctx, KindReply, req.Text, ReplyContext(req.InReplyToID, req.AuthorID), "", req.ForceReview, req.InReplyToID, req.AuthorID)
}

func (o *Orchestrator) submit(ctx context.Context, kind Kind, text, draftCtx, variant string, forceReview bool, inReplyTo, author string) (dec *Decision, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.submit", trace.WithAttributes(attribute.String("kind", string(kind))))
	defer func() {
		o.finish(span, kind, start, dec, err)
	}()

	report := o.Safety.Evaluate(text)
	checks := make([]auditstore.CheckResult, 0, len(report.Checks))
	for _, c := range report.Checks {
		checks = append(checks, auditstore.CheckResult{Name: c.Name, Passed: c.Passed, Details: c.Details})
	}
	draft, err := o.Store.LogDraft(ctx, auditstore.NewDraft{
		Text:         text,
		Context:      draftCtx,
		Variant:      variant,
		SafetyPassed: report.Passed,
		SafetyFlags:  report.Flags,
		Checks:       checks,
	})
	if err != nil {
		return nil, fmt.Errorf("logging draft: %w", err)
	}
	dec = &Decision{DraftID: draft.ID, Kind: kind, Flags: report.Flags}
	span.SetAttributes(attribute.Int("draft", int(draft.ID)))

	if !report.Passed {
		return o.queue(ctx, dec, auditstore.ReasonSafetyCheckFailed, auditstore.PriorityNormal)
	}
	if forceReview {
		return o.queue(ctx, dec, auditstore.ReasonOwnerApproval, auditstore.PriorityHigh)
	}

	// in dry run nothing is consumed, so the quota is only consulted
	var res *quota.Reservation
	var denied string
	switch {
	case o.DryRun && kind == KindPost:
		_, denied = o.Quota.CanPost()
	case o.DryRun:
		_, denied = o.Quota.CanReply(author)
	case kind == KindPost:
		res, denied = o.Quota.ReservePost()
	default:
		res, denied = o.Quota.ReserveReply(author)
	}
	// no-op once committed
	defer res.Release()

	if denied != "" {
		dec.Reason = denied
		if kind == KindReply {
			o.logger().Info("reply skipped for quota", "draft", draft.ID, "reason", denied, "author", author)
			dec.Outcome = OutcomeQuotaSkipped
			return dec, o.Store.MarkSkipped(ctx, draft.ID, denied)
		}
		dec.Outcome = OutcomeQuotaDeferred
		dec.Queued = true
		return dec, o.Store.DeferForQuota(ctx, draft.ID, denied)
	}

	if kind == KindPost {
		m := o.Dedupe.Check(ctx, text)
		if m.IsDuplicate {
			o.logger().Info("duplicate post suppressed", "draft", draft.ID, "similarity", m.Similarity)
			dec, err = o.queue(ctx, dec, auditstore.ReasonDuplicateRecent, auditstore.PriorityLow)
			dec.Outcome = OutcomeDuplicateSuppressed
			return dec, err
		}
	}

	if o.DryRun {
		return o.simulate(ctx, dec)
	}
	return o.publish(ctx, dec, text, inReplyTo, res)
}

// PublishApproved publishes a draft a reviewer has approved. Safety and review
// are not repeated, but quota still applies: when quota is exhausted the draft
// goes back to approved for a later run.
func (o *Orchestrator) PublishApproved(ctx context.Context, draftID uint) (dec *Decision, err error) {
	start := time.Now()
	kind := KindPost
	ctx, span := tracer.Start(ctx, "orchestrator.publishApproved", trace.WithAttributes(attribute.Int("draft", int(draftID))))
	defer func() {
		o.finish(span, kind, start, dec, err)
	}()

	// claiming moves the draft to publishing, so a concurrent caller (the
	// approved job, the review API, another process) cannot publish it too
	draft, err := o.Store.ClaimApproved(ctx, draftID)
	if err != nil {
		return nil, err
	}
	inReplyTo, author, isReply := ParseReplyContext(draft.Context)
	if isReply {
		kind = KindReply
	}
	dec = &Decision{DraftID: draft.ID, Kind: kind, Flags: draft.SafetyFlags}

	if o.DryRun {
		return o.simulate(ctx, dec)
	}

	var res *quota.Reservation
	var denied string
	if isReply {
		res, denied = o.Quota.ReserveReply(author)
	} else {
		res, denied = o.Quota.ReservePost()
	}
	defer res.Release()
	if denied != "" {
		o.logger().Info("approved draft held for quota", "draft", draft.ID, "reason", denied)
		if err := o.Store.ReleaseClaim(ctx, draft.ID); err != nil {
			return nil, fmt.Errorf("releasing claim on draft %d: %w", draft.ID, err)
		}
		dec.Outcome = OutcomeQuotaDeferred
		dec.Reason = denied
		return dec, nil
	}
	return o.publish(ctx, dec, draft.Text, inReplyTo, res)
}

func (o *Orchestrator) queue(ctx context.Context, dec *Decision, reason string, priority auditstore.Priority) (*Decision, error) {
	dec.Outcome = OutcomeReviewQueued
	dec.Reason = reason
	dec.Queued = true
	if err := o.Store.QueueForReview(ctx, dec.DraftID, reason, priority); err != nil {
		return dec, err
	}
	return dec, nil
}

func (o *Orchestrator) simulate(ctx context.Context, dec *Decision) (*Decision, error) {
	id := publisher.SyntheticID()
	dec.Outcome = OutcomeDryRunSimulated
	dec.ExternalID = id
	return dec, o.Store.MarkSimulated(ctx, dec.DraftID, id)
}

func (o *Orchestrator) publish(ctx context.Context, dec *Decision, text, inReplyTo string, res *quota.Reservation) (*Decision, error) {
	result := o.callPublisher(ctx, dec.Kind, text, inReplyTo)
	publishResultCount.WithLabelValues(string(dec.Kind), result.Outcome.String()).Inc()

	switch result.Outcome {
	case publisher.OK:
		// the write happened on the platform, so it counts even if recording it fails
		res.Commit()
		dec.Outcome = OutcomePosted
		dec.ExternalID = result.ID
		if _, err := o.Store.LogPostedTweet(ctx, dec.DraftID, result.ID, text); err != nil {
			return dec, fmt.Errorf("recording published post %s: %w", result.ID, err)
		}
		return dec, nil
	case publisher.RateLimited:
		o.logger().Warn("publish rate limited", "draft", dec.DraftID, "retry_after", result.RetryAfter, "err", result.Err)
		return o.queue(ctx, dec, auditstore.ReasonRateLimitExceeded, auditstore.PriorityHigh)
	default:
		o.logger().Error("publish failed", "draft", dec.DraftID, "err", result.Err)
		dec.Outcome = OutcomePostErrored
		dec.Reason = auditstore.ReasonPostingError
		dec.Queued = true
		return dec, o.Store.RecordPublishError(ctx, dec.DraftID, result.Error())
	}
}

// callPublisher converts a panicking publisher into a failure result, and
// normalizes whatever the publisher returned.
func (o *Orchestrator) callPublisher(ctx context.Context, kind Kind, text, inReplyTo string) (result publisher.Result) {
	ctx, span := tracer.Start(ctx, "orchestrator.publish")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			o.logger().Error("publisher panic", "err", r, "kind", kind)
			result = publisher.Failure(fmt.Errorf("%w: panic: %v", publisher.ErrPublish, r))
		}
		result = result.Normalize()
		span.SetAttributes(attribute.String("result", result.Outcome.String()))
	}()
	if kind == KindReply {
		return o.Publisher.Reply(ctx, text, inReplyTo)
	}
	return o.Publisher.Publish(ctx, text)
}

// finish emits the canonical log line, metrics and span status for one run.
func (o *Orchestrator) finish(span trace.Span, kind Kind, start time.Time, dec *Decision, err error) {
	defer span.End()
	decisionDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		decisionErrorCount.WithLabelValues(string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if dec != nil {
			o.logger().Error("failed to record decision", "draft", dec.DraftID, "kind", kind, "outcome", dec.Outcome, "err", err)
		} else if !errors.Is(err, auditstore.ErrInvalidTransition) && !errors.Is(err, auditstore.ErrDraftNotFound) {
			o.logger().Error("pipeline run failed", "kind", kind, "err", err)
		}
		return
	}
	if dec == nil {
		return
	}
	decisionCount.WithLabelValues(string(kind), string(dec.Outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(dec.Outcome)))
	o.logger().Info("decision", "draft", dec.DraftID, "kind", kind, "outcome", dec.Outcome, "reason", dec.Reason, "external_id", dec.ExternalID)
}
