// Package services wires the domain engines into the dispatch registry.
// Each handler decodes one message kind, invokes its engine, and maps
// domain errors onto delivery outcomes.
package services

import (
	"context"
	"time"

	"github.com/patternops/patternops/pkg/dispatch"
	"github.com/patternops/patternops/pkg/envelope"
	"github.com/patternops/patternops/pkg/feedback"
	"github.com/patternops/patternops/pkg/intent"
	"github.com/patternops/patternops/pkg/learning"
	"github.com/patternops/patternops/pkg/pairing"
	"github.com/patternops/patternops/pkg/patterns"
)

// Handlers holds the domain engines behind the consumer fleet.
type Handlers struct {
	Pairing    *pairing.Engine
	Scorer     *feedback.Scorer
	Pipeline   *learning.Pipeline
	Promoter   *patterns.Promoter
	ProducerID string

	now func() time.Time
}

// NewHandlers bundles the engines for registration.
func NewHandlers(pairingEngine *pairing.Engine, scorer *feedback.Scorer,
	pipeline *learning.Pipeline, promoter *patterns.Promoter, producerID string) *Handlers {
	return &Handlers{
		Pairing:    pairingEngine,
		Scorer:     scorer,
		Pipeline:   pipeline,
		Promoter:   promoter,
		ProducerID: producerID,
		now:        time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (h *Handlers) WithClock(now func() time.Time) *Handlers {
	h.now = now
	return h
}

// Register binds every handled message kind. The registry rejects
// duplicates, so a contract declaring a kind twice surfaces at startup.
func (h *Handlers) Register(reg *dispatch.Registry) error {
	bindings := []struct {
		kind    string
		handler dispatch.Handler
	}{
		{envelope.KindFindingObserved, dispatch.HandlerFunc(h.findingObserved)},
		{envelope.KindFixApplied, dispatch.HandlerFunc(h.fixApplied)},
		{envelope.KindFindingResolved, dispatch.HandlerFunc(h.findingResolved)},
		{envelope.KindSessionOutcome, dispatch.HandlerFunc(h.sessionOutcome)},
		{envelope.KindLearnPatterns, dispatch.HandlerFunc(h.learnPatterns)},
		{envelope.KindClaudeHookEvent, dispatch.HandlerFunc(h.claudeHookEvent)},
		{envelope.KindPairCreated, dispatch.HandlerFunc(h.pairCreated)},
	}
	for _, b := range bindings {
		if err := reg.Register(b.kind, envelope.SchemaVersion, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) findingObserved(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	var p envelope.FindingObservedPayload
	if err := env.DecodePayload(&p); err != nil {
		return dispatch.Reject(err.Error())
	}
	return dispatch.OutcomeFromError(h.Pairing.HandleFindingObserved(ctx, p, env.CorrelationID))
}

func (h *Handlers) fixApplied(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	var p envelope.FixAppliedPayload
	if err := env.DecodePayload(&p); err != nil {
		return dispatch.Reject(err.Error())
	}
	return dispatch.OutcomeFromError(h.Pairing.HandleFixApplied(ctx, p, env.CorrelationID))
}

func (h *Handlers) findingResolved(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	var p envelope.FindingResolvedPayload
	if err := env.DecodePayload(&p); err != nil {
		return dispatch.Reject(err.Error())
	}
	events, err := h.Pairing.HandleFindingResolved(ctx, p, env.CorrelationID)
	return dispatch.OutcomeFromError(err, events...)
}

func (h *Handlers) sessionOutcome(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	var p envelope.SessionOutcomePayload
	if err := env.DecodePayload(&p); err != nil {
		return dispatch.Reject(err.Error())
	}
	return dispatch.OutcomeFromError(h.Scorer.HandleSessionOutcome(ctx, p, env.CorrelationID))
}

func (h *Handlers) learnPatterns(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	var p envelope.LearnPatternsPayload
	if err := env.DecodePayload(&p); err != nil {
		return dispatch.Reject(err.Error())
	}
	if err := p.Validate(); err != nil {
		return dispatch.Reject(err.Error())
	}
	events, err := h.Pipeline.Run(ctx, env.MessageID, p, env.CorrelationID)
	return dispatch.OutcomeFromError(err, events...)
}

func (h *Handlers) claudeHookEvent(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	var p envelope.ClaudeHookEventPayload
	if err := env.DecodePayload(&p); err != nil {
		return dispatch.Reject(err.Error())
	}
	evt, err := intent.ClassifyEvent(p, env.CorrelationID, h.ProducerID, h.now().UTC())
	if err != nil {
		return dispatch.Reject(err.Error())
	}
	return dispatch.Ok(evt)
}

// pairCreated feeds the promotion evaluator: every confirmed pair is a
// fresh piece of evidence, so evaluation is event-driven rather than
// polled.
func (h *Handlers) pairCreated(ctx context.Context, env *envelope.Envelope) dispatch.Outcome {
	events, err := h.Promoter.Evaluate(ctx, env.CorrelationID)
	return dispatch.OutcomeFromError(err, events...)
}
