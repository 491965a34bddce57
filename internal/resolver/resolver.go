package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zapfunnel/internal/models"
	"zapfunnel/internal/store"
)

// LinkWindow bounds how old a lead may be to still be matched by greeting.
const LinkWindow = time.Hour

// OrderStore is the persistence the resolver needs.
type OrderStore interface {
	LatestOrderByContact(ctx context.Context, phone string, productID int64) (*models.Order, error)
	FindLeadByGreeting(ctx context.Context, greeting string, since time.Time) (*models.Order, error)
	LinkOrder(ctx context.Context, orderID int64, phone, name, phoneNumberID string) (bool, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) error
}

// Kind tells how an inbound message found its order.
type Kind string

const (
	KindExisting Kind = "existing"
	KindLinked   Kind = "linked"
	KindCreated  Kind = "created"
)

// Resolution is the order an inbound message belongs to.
type Resolution struct {
	Order *models.Order
	Kind  Kind
}

// Resolver maps inbound messages to orders: by contact, then by the greeting
// of a recent lead, else a new walk-in order.
type Resolver struct {
	store      OrderStore
	productFor func(phoneNumberID string) int64

	Now func() time.Time
}

// New builds a resolver. productFor maps the receiving business number to the
// product sold through it.
func New(store OrderStore, productFor func(phoneNumberID string) int64) *Resolver {
	return &Resolver{store: store, productFor: productFor, Now: time.Now}
}

// Resolve finds or creates the order of in.
func (r *Resolver) Resolve(ctx context.Context, in models.InboundMessage) (Resolution, error) {
	if in.From == "" {
		return Resolution{}, fmt.Errorf("inbound message %s has no sender", in.MessageID)
	}
	productID := r.productFor(in.PhoneNumberID)
	logger := log.With().Str("messageID", in.MessageID).Int64("productID", productID).Logger()

	order, err := r.store.LatestOrderByContact(ctx, in.From, productID)
	switch {
	case err == nil:
		logger.Debug().Int64("orderID", order.ID).Msg("Inbound message matched existing order")
		return Resolution{Order: order, Kind: KindExisting}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, fmt.Errorf("failed to look up order by contact: %w", err)
	}

	if res, ok, err := r.linkLead(ctx, in, logger); err != nil {
		return Resolution{}, err
	} else if ok {
		return res, nil
	}

	order = &models.Order{
		ProductID:     productID,
		State:         models.StateInitiated,
		ContactPhone:  sql.NullString{String: in.From, Valid: true},
		ContactName:   sql.NullString{String: in.Name, Valid: in.Name != ""},
		PhoneNumberID: sql.NullString{String: in.PhoneNumberID, Valid: in.PhoneNumberID != ""},
		CreatedAt:     r.Now(),
	}
	err = r.store.CreateOrder(ctx, order)
	if errors.Is(err, store.ErrActiveOrderExists) {
		return r.concurrentOrder(ctx, in.From, productID, logger)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to create walk-in order: %w", err)
	}
	logger.Info().Int64("orderID", order.ID).Msg("Walk-in order created")
	return Resolution{Order: order, Kind: KindCreated}, nil
}

// concurrentOrder loads the order another resolver created or linked for the
// contact between our lookup and our write.
func (r *Resolver) concurrentOrder(ctx context.Context, phone string, productID int64, logger zerolog.Logger) (Resolution, error) {
	order, err := r.store.LatestOrderByContact(ctx, phone, productID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to reload order of contact after a concurrent write: %w", err)
	}
	logger.Info().Int64("orderID", order.ID).Msg("Contact got an order concurrently, joining it")
	return Resolution{Order: order, Kind: KindExisting}, nil
}

// linkLead claims a recent unlinked lead whose greeting equals the message.
// Losing the claim to a concurrent resolver is not an error. When the contact
// got an active order for the lead's product meanwhile, that order is used and
// the lead stays unlinked.
func (r *Resolver) linkLead(ctx context.Context, in models.InboundMessage, logger zerolog.Logger) (Resolution, bool, error) {
	greeting := strings.TrimSpace(in.Text)
	if greeting == "" {
		return Resolution{}, false, nil
	}

	lead, err := r.store.FindLeadByGreeting(ctx, greeting, r.Now().Add(-LinkWindow))
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, fmt.Errorf("failed to look up lead by greeting: %w", err)
	}

	linked, err := r.store.LinkOrder(ctx, lead.ID, in.From, in.Name, in.PhoneNumberID)
	if errors.Is(err, store.ErrActiveOrderExists) {
		res, err := r.concurrentOrder(ctx, in.From, lead.ProductID, logger)
		return res, err == nil, err
	}
	if err != nil {
		return Resolution{}, false, err
	}
	if !linked {
		logger.Info().Int64("orderID", lead.ID).Msg("Lead was linked concurrently, creating a new order")
		return Resolution{}, false, nil
	}

	order, err := r.store.GetOrder(ctx, lead.ID)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("failed to reload linked order %d: %w", lead.ID, err)
	}
	logger.Info().Int64("orderID", order.ID).Msg("Lead order linked to contact")
	return Resolution{Order: order, Kind: KindLinked}, true, nil
}
