package whatsapp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapfunnel/internal/metrics"
)

// Client talks to the WhatsApp Cloud API on behalf of one business number.
type Client struct {
	httpClient    *resty.Client
	baseURL       string
	phoneNumberID string
}

// NewClient creates a Cloud API client. baseURL includes the Graph API
// version, e.g. https://graph.facebook.com/v20.0/.
func NewClient(baseURL, accessToken, phoneNumberID string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("WhatsApp API baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("WhatsApp accessToken cannot be empty")
	}
	if phoneNumberID == "" {
		return nil, fmt.Errorf("WhatsApp phoneNumberID cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	log.Info().Str("baseURL", baseURL).Str("phoneNumberID", phoneNumberID).Msg("WhatsApp Cloud API client configured")

	return &Client{
		httpClient:    client,
		baseURL:       baseURL,
		phoneNumberID: phoneNumberID,
	}, nil
}

// ForNumber returns a client sending from another business number of the
// same account. The HTTP client is shared.
func (c *Client) ForNumber(phoneNumberID string) *Client {
	if phoneNumberID == "" || phoneNumberID == c.phoneNumberID {
		return c
	}
	clone := *c
	clone.phoneNumberID = phoneNumberID
	return &clone
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &outboundText{Body: body},
	})
}

// SendAudio sends an audio file by public link as a voice note.
func (c *Client) SendAudio(ctx context.Context, to, link string) (string, error) {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "audio",
		Audio:            &mediaLink{Link: link, Voice: true},
	})
}

// SendDocument sends a document by public link.
func (c *Client) SendDocument(ctx context.Context, to, link, filename, caption string) (string, error) {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "document",
		Document:         &mediaLink{Link: link, Filename: filename, Caption: caption},
	})
}

// MarkRead marks an inbound message as read (blue ticks).
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.receipt(ctx, "read", readReceipt{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	})
}

// SendTyping marks messageID as read and shows the typing indicator until the
// next outbound message or 25 seconds pass.
func (c *Client) SendTyping(ctx context.Context, messageID string) error {
	return c.receipt(ctx, "typing", readReceipt{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
		TypingIndicator:  &typingIndicator{Type: "text"},
	})
}

func (c *Client) send(ctx context.Context, payload outboundMessage) (string, error) {
	url := c.phoneNumberID + "/messages"

	var result sendResponse
	var failure apiError
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		SetError(&failure).
		Post(url)

	if err != nil {
		metrics.OutboundMessages.WithLabelValues(payload.Type, "transport_error").Inc()
		log.Error().Err(err).Str("type", payload.Type).Msg("WhatsApp API: send request failed")
		return "", fmt.Errorf("WhatsApp API send %s request failed: %w", payload.Type, err)
	}
	metrics.OutboundMessages.WithLabelValues(payload.Type, strconv.Itoa(resp.StatusCode())).Inc()

	if resp.IsError() {
		log.Error().Str("type", payload.Type).Int("statusCode", resp.StatusCode()).Int("apiCode", failure.Error.Code).Str("apiMessage", failure.Error.Message).Msg("WhatsApp API: send returned an error")
		return "", fmt.Errorf("WhatsApp API send %s error: status %s, code %d: %s", payload.Type, resp.Status(), failure.Error.Code, failure.Error.Message)
	}

	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", fmt.Errorf("WhatsApp API send %s: response carried no message id", payload.Type)
	}
	messageID := result.Messages[0].ID
	log.Debug().Str("type", payload.Type).Str("messageID", messageID).Msg("WhatsApp message sent")
	return messageID, nil
}

func (c *Client) receipt(ctx context.Context, kind string, payload readReceipt) error {
	url := c.phoneNumberID + "/messages"

	var failure apiError
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetError(&failure).
		Post(url)

	if err != nil {
		metrics.OutboundMessages.WithLabelValues(kind, "transport_error").Inc()
		return fmt.Errorf("WhatsApp API %s request failed: %w", kind, err)
	}
	metrics.OutboundMessages.WithLabelValues(kind, strconv.Itoa(resp.StatusCode())).Inc()

	if resp.IsError() {
		log.Warn().Str("kind", kind).Int("statusCode", resp.StatusCode()).Str("apiMessage", failure.Error.Message).Msg("WhatsApp API: receipt returned an error")
		return fmt.Errorf("WhatsApp API %s error: status %s: %s", kind, resp.Status(), failure.Error.Message)
	}
	return nil
}
