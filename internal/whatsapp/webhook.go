package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zapfunnel/internal/models"
)

// ErrEmptyBody is returned for a delivery with no payload.
var ErrEmptyBody = errors.New("empty webhook body")

// ParseResult splits a delivery into text messages the funnel handles and a
// count of entries it ignores (media, reactions, status receipts).
type ParseResult struct {
	Messages    []models.InboundMessage
	Unsupported int
	Statuses    int
}

// ParseInbound decodes a webhook body. Malformed JSON is an error; a valid
// envelope without text messages is not.
func ParseInbound(body []byte) (ParseResult, error) {
	var res ParseResult
	if len(strings.TrimSpace(string(body))) == 0 {
		return res, ErrEmptyBody
	}

	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return res, fmt.Errorf("could not decode webhook envelope: %w", err)
	}

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			res.Statuses += len(value.Statuses)

			names := newContactNames(value.Contacts)

			for _, m := range value.Messages {
				if m.Type != "text" || m.Text == nil || m.From == "" || m.ID == "" {
					res.Unsupported++
					continue
				}
				res.Messages = append(res.Messages, models.InboundMessage{
					MessageID:     m.ID,
					From:          m.From,
					Name:          names.lookup(m.From),
					Text:          m.Text.Body,
					PhoneNumberID: value.Metadata.PhoneNumberID,
					Timestamp:     parseUnix(m.Timestamp),
				})
			}
		}
	}
	return res, nil
}

// contactNames maps wa_id to profile name. Deliveries whose contacts carry
// no wa_id fall back to the first profile name.
type contactNames struct {
	byWaID map[string]string
	first  string
}

func newContactNames(contacts []Contact) contactNames {
	names := contactNames{byWaID: make(map[string]string, len(contacts))}
	for _, c := range contacts {
		if names.first == "" {
			names.first = c.Profile.Name
		}
		if c.WaID != "" {
			names.byWaID[c.WaID] = c.Profile.Name
		}
	}
	return names
}

func (n contactNames) lookup(from string) string {
	if name, ok := n.byWaID[from]; ok {
		return name
	}
	if len(n.byWaID) == 0 {
		return n.first
	}
	return ""
}

func parseUnix(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// TextMessageEnvelope builds a single text message delivery as Meta sends it.
// Used by tests and local replay tooling.
func TextMessageEnvelope(phoneNumberID, from, name, messageID, text string, at time.Time) WebhookEnvelope {
	msg := IncomingMessage{
		From:      from,
		ID:        messageID,
		Timestamp: strconv.FormatInt(at.Unix(), 10),
		Type:      "text",
		Text:      &TextBody{Body: text},
	}
	contact := Contact{WaID: from}
	contact.Profile.Name = name

	return WebhookEnvelope{
		Object: "whatsapp_business_account",
		Entry: []Entry{{
			ID: "waba",
			Changes: []Change{{
				Field: "messages",
				Value: ChangeValue{
					MessagingProduct: "whatsapp",
					Metadata:         Metadata{PhoneNumberID: phoneNumberID},
					Contacts:         []Contact{contact},
					Messages:         []IncomingMessage{msg},
				},
			}},
		}},
	}
}
