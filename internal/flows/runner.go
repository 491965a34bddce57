package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zapfunnel/internal/models"
	"zapfunnel/internal/store"
)

// ErrDuplicateEvent means the inbound message of an invocation was already
// recorded by another invocation, so the flow must not run again.
var ErrDuplicateEvent = errors.New("inbound event already handled")

// Messenger is the WhatsApp surface the flows use.
type Messenger interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendAudio(ctx context.Context, to, link string) (string, error)
	SendDocument(ctx context.Context, to, link, filename, caption string) (string, error)
	MarkRead(ctx context.Context, messageID string) error
	SendTyping(ctx context.Context, messageID string) error
}

// MediaResolver turns asset references into fetchable URLs.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Responder writes free-form replies.
type Responder interface {
	Reply(ctx context.Context, question string) (string, error)
}

// ProgressStore persists messages and step completion.
type ProgressStore interface {
	AppendMessage(ctx context.Context, m *models.Message) error
	CompletedSteps(ctx context.Context, invocationID string) (map[int]string, error)
	RecordStep(ctx context.Context, invocationID string, stepIndex int, stepName, messageID string) error
}

// Invocation is one execution series of a flow for an order.
type Invocation struct {
	ID      string
	Flow    models.FlowName
	Order   *models.Order
	Event   models.InboundMessage
	Attempt int
	// Replayed marks an operator replay of a dead-lettered invocation.
	Replayed bool
}

// Recipient is the contact phone the flow writes to.
func (inv *Invocation) Recipient() string {
	if inv.Order != nil && inv.Order.ContactPhone.Valid {
		return inv.Order.ContactPhone.String
	}
	return inv.Event.From
}

// Step is one side effect of a flow. Steps that send a message return the
// provider message id.
type Step struct {
	Name  string
	Pause bool // pace before running
	Run   func(ctx context.Context, env *StepEnv) (string, error)
}

// StepEnv is what a step sees while running.
type StepEnv struct {
	Inv       *Invocation
	Messenger Messenger
	Runner    *Runner
}

// Flow is an ordered script of steps plus the state it leaves the order in.
type Flow struct {
	Name  models.FlowName
	Steps []Step
	// Next returns the state to move to after all steps ran, if any.
	Next func(inv *Invocation) (models.OrderState, bool)
}

// Outcome reports what an execution did.
type Outcome struct {
	Ran        int
	Skipped    int
	Transition bool
	Target     models.OrderState
}

// Content is the configurable material of the scripts.
type Content struct {
	IntroAudios       []string
	OfferText         string
	OfferDocument     string
	OfferDocumentName string
}

// Runner executes flows step by step, resuming after completed steps.
type Runner struct {
	messengers func(phoneNumberID string) Messenger
	media      MediaResolver
	responder  Responder
	store      ProgressStore
	pacer      *Pacer
	content    Content
	flows      map[models.FlowName]*Flow
}

// NewRunner wires the runner with the three funnel scripts.
func NewRunner(messengers func(phoneNumberID string) Messenger, media MediaResolver, responder Responder, progress ProgressStore, pacer *Pacer, content Content) *Runner {
	r := &Runner{
		messengers: messengers,
		media:      media,
		responder:  responder,
		store:      progress,
		pacer:      pacer,
		content:    content,
	}
	r.flows = map[models.FlowName]*Flow{
		models.FlowSendIntro:        r.sendIntro(),
		models.FlowSendOffer:        r.sendOffer(),
		models.FlowRespondToMessage: r.respondToMessage(),
	}
	return r
}

// Execute runs inv's flow. Steps already recorded for inv.ID are skipped.
func (r *Runner) Execute(ctx context.Context, inv *Invocation) (Outcome, error) {
	var out Outcome
	flow, ok := r.flows[inv.Flow]
	if !ok {
		return out, fmt.Errorf("unknown flow %q", inv.Flow)
	}
	if inv.Order == nil {
		return out, fmt.Errorf("flow %s invoked without an order", inv.Flow)
	}

	done, err := r.store.CompletedSteps(ctx, inv.ID)
	if err != nil {
		return out, err
	}

	phoneNumberID := inv.Event.PhoneNumberID
	if inv.Order.PhoneNumberID.Valid {
		phoneNumberID = inv.Order.PhoneNumberID.String
	}
	env := &StepEnv{Inv: inv, Messenger: r.messengers(phoneNumberID), Runner: r}

	logger := log.With().Str("flow", string(inv.Flow)).Str("invocationID", inv.ID).Int64("orderID", inv.Order.ID).Logger()
	ranBefore := false
	for i, step := range flow.Steps {
		if _, completed := done[i]; completed {
			out.Skipped++
			continue
		}
		if step.Pause && ranBefore && r.pacer != nil {
			if err := r.pacer.Pause(ctx); err != nil {
				return out, err
			}
		}

		started := time.Now()
		messageID, err := step.Run(ctx, env)
		if errors.Is(err, ErrDuplicateEvent) {
			logger.Info().Str("messageID", inv.Event.MessageID).Msg("Inbound message already handled, skipping flow")
			return out, err
		}
		if err != nil {
			logger.Error().Err(err).Int("step", i).Str("stepName", step.Name).Msg("Flow step failed")
			return out, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		if err := r.store.RecordStep(ctx, inv.ID, i, step.Name, messageID); err != nil {
			return out, err
		}
		ranBefore = true
		out.Ran++
		logger.Debug().Int("step", i).Str("stepName", step.Name).Dur("took", time.Since(started)).Msg("Flow step completed")
	}

	if flow.Next != nil {
		out.Target, out.Transition = flow.Next(inv)
	}
	return out, nil
}

// recordSent appends an outbound message to the order history.
func (r *Runner) recordSent(ctx context.Context, inv *Invocation, messageID string, kind models.MessageKind, payload string) error {
	return r.store.AppendMessage(ctx, &models.Message{
		MessageID: messageID,
		OrderID:   inv.Order.ID,
		Direction: models.DirectionSent,
		Kind:      kind,
		Payload:   payload,
	})
}

// recordInbound stores the triggering message. A duplicate on the first
// attempt of a fresh invocation means another invocation owns the event.
func (r *Runner) recordInbound(ctx context.Context, inv *Invocation) error {
	err := r.store.AppendMessage(ctx, &models.Message{
		MessageID: inv.Event.MessageID,
		OrderID:   inv.Order.ID,
		Direction: models.DirectionReceived,
		Kind:      models.KindText,
		Payload:   inv.Event.Text,
		CreatedAt: inv.Event.Timestamp,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		if inv.Attempt > 1 || inv.Replayed {
			// recorded by an earlier attempt that died before its progress row
			return nil
		}
		return ErrDuplicateEvent
	}
	return err
}
