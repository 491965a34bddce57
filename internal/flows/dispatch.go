package flows

import (
	"github.com/rs/zerolog/log"

	"zapfunnel/internal/models"
)

// Dispatch maps an order state to the flow an inbound message triggers.
func Dispatch(state models.OrderState) models.FlowName {
	if state.Terminal() {
		// a paying customer still gets answers; nothing moves the order further
		return models.FlowRespondToMessage
	}
	switch state {
	case models.StateInitiated:
		return models.FlowSendIntro
	case models.StateIntroSent:
		return models.FlowSendOffer
	case models.StateOfferInterested, models.StateOfferNotInterested:
		return models.FlowRespondToMessage
	default:
		log.Warn().Int("state", int(state)).Msg("Unknown order state, restarting with intro flow")
		return models.FlowSendIntro
	}
}
