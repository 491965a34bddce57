package flows

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"zapfunnel/internal/models"
)

func markRead() Step {
	return Step{Name: "mark_read", Run: func(ctx context.Context, env *StepEnv) (string, error) {
		return "", env.Messenger.MarkRead(ctx, env.Inv.Event.MessageID)
	}}
}

func recordInbound() Step {
	return Step{Name: "record_inbound", Run: func(ctx context.Context, env *StepEnv) (string, error) {
		return env.Inv.Event.MessageID, env.Runner.recordInbound(ctx, env.Inv)
	}}
}

func typing() Step {
	return Step{Name: "typing", Run: func(ctx context.Context, env *StepEnv) (string, error) {
		return "", env.Messenger.SendTyping(ctx, env.Inv.Event.MessageID)
	}}
}

func sendAudio(name, ref string, pause bool) Step {
	return Step{Name: name, Pause: pause, Run: func(ctx context.Context, env *StepEnv) (string, error) {
		link, err := env.Runner.media.Resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		id, err := env.Messenger.SendAudio(ctx, env.Inv.Recipient(), link)
		if err != nil {
			return "", err
		}
		return id, env.Runner.recordSent(ctx, env.Inv, id, models.KindAudio, link)
	}}
}

func sendText(name string, pause bool, body func(ctx context.Context, env *StepEnv) (string, error)) Step {
	return Step{Name: name, Pause: pause, Run: func(ctx context.Context, env *StepEnv) (string, error) {
		text, err := body(ctx, env)
		if err != nil {
			return "", err
		}
		id, err := env.Messenger.SendText(ctx, env.Inv.Recipient(), text)
		if err != nil {
			return "", err
		}
		return id, env.Runner.recordSent(ctx, env.Inv, id, models.KindText, text)
	}}
}

func sendDocument(name, ref, filename string, pause bool) Step {
	return Step{Name: name, Pause: pause, Run: func(ctx context.Context, env *StepEnv) (string, error) {
		link, err := env.Runner.media.Resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		id, err := env.Messenger.SendDocument(ctx, env.Inv.Recipient(), link, filename, "")
		if err != nil {
			return "", err
		}
		return id, env.Runner.recordSent(ctx, env.Inv, id, models.KindDocument, link)
	}}
}

// sendIntro greets a new contact with the intro voice notes.
func (r *Runner) sendIntro() *Flow {
	steps := []Step{recordInbound(), markRead(), typing()}
	for i, ref := range r.content.IntroAudios {
		steps = append(steps, sendAudio(fmt.Sprintf("intro_audio_%d", i+1), ref, i > 0))
	}
	return &Flow{
		Name:  models.FlowSendIntro,
		Steps: steps,
		Next: func(*Invocation) (models.OrderState, bool) {
			return models.StateIntroSent, true
		},
	}
}

// sendOffer delivers the offer text and document after the intro.
func (r *Runner) sendOffer() *Flow {
	steps := []Step{recordInbound(), markRead(), typing()}
	if r.content.OfferText != "" {
		steps = append(steps, sendText("offer_text", true, func(context.Context, *StepEnv) (string, error) {
			return r.content.OfferText, nil
		}))
	}
	if r.content.OfferDocument != "" {
		steps = append(steps, sendDocument("offer_document", r.content.OfferDocument, r.content.OfferDocumentName, true))
	}
	return &Flow{
		Name:  models.FlowSendOffer,
		Steps: steps,
		Next: func(inv *Invocation) (models.OrderState, bool) {
			if Interested(inv.Event.Text) {
				return models.StateOfferInterested, true
			}
			return models.StateOfferNotInterested, true
		},
	}
}

// respondToMessage answers free-form questions through the responder.
func (r *Runner) respondToMessage() *Flow {
	return &Flow{
		Name: models.FlowRespondToMessage,
		Steps: []Step{
			recordInbound(),
			markRead(),
			typing(),
			sendText("reply", true, func(ctx context.Context, env *StepEnv) (string, error) {
				return r.responder.Reply(ctx, env.Inv.Event.Text)
			}),
		},
	}
}

var negativePhrases = []string{"sem interesse", "não quero", "nao quero", "agora não", "agora nao", "não tenho interesse", "nao tenho interesse"}

var negativeWords = map[string]bool{"não": true, "nao": true, "no": true, "nope": true, "n": true, "nunca": true}

// Interested classifies the reply that triggered the offer. Anything that is
// not an explicit refusal counts as interest.
func Interested(reply string) bool {
	text := strings.ToLower(strings.TrimSpace(reply))
	if text == "" {
		return true
	}
	for _, phrase := range negativePhrases {
		if strings.Contains(text, phrase) {
			return false
		}
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) > 0 && negativeWords[words[0]] {
		return false
	}
	return true
}
