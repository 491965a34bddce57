package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const defaultSalesPrompt = "Você é a Luiza, vendedora de e-books de receitas no WhatsApp. " +
	"Responda sempre com educação, de forma prestativa e curta. " +
	"Sobre preço: o e-book é gratuito e o cliente pode contribuir com um valor simbólico. " +
	"Sobre pagamento: Pix. Sobre entrega: o e-book é enviado pelo WhatsApp antes do pagamento."

const greetingPrompt = "Você gera a primeira mensagem que um cliente envia no WhatsApp ao se interessar por um e-book. " +
	"A mensagem deve ser curta, amigável e informal, com no máximo 12 palavras e sem emoji. Responda apenas com a mensagem."

// OpenAI is a chat-completions client for any OpenAI compatible endpoint.
type OpenAI struct {
	httpClient   *resty.Client
	model        string
	systemPrompt string
	fallback     string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAI creates the client. fallback is answered whenever the API fails.
func NewOpenAI(baseURL, apiKey, model, systemPrompt, fallback string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI apiKey cannot be empty")
	}
	if systemPrompt == "" {
		systemPrompt = defaultSalesPrompt
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(time.Second)

	log.Info().Str("baseURL", baseURL).Str("model", model).Msg("Text generation client configured")

	return &OpenAI{
		httpClient:   client,
		model:        model,
		systemPrompt: systemPrompt,
		fallback:     fallback,
	}, nil
}

// Reply answers a customer message. API failures are logged and answered
// with the fallback text; an error is returned only without a fallback.
func (o *OpenAI) Reply(ctx context.Context, question string) (string, error) {
	answer, err := o.complete(ctx, chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: o.systemPrompt},
			{Role: "user", Content: question},
		},
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		if o.fallback == "" {
			return "", err
		}
		log.Error().Err(err).Msg("Text generation failed, answering with fallback")
		return o.fallback, nil
	}
	return answer, nil
}

// Greeting produces a fresh suggested opening message.
func (o *OpenAI) Greeting(ctx context.Context) (string, error) {
	text, err := o.complete(ctx, chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: greetingPrompt},
			{Role: "user", Content: "Gere uma mensagem inicial."},
		},
		Temperature: 1.0,
		MaxTokens:   60,
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(text, "\"' \n"), nil
}

func (o *OpenAI) complete(ctx context.Context, req chatRequest) (string, error) {
	var result chatResponse
	var failure chatError
	resp, err := o.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&failure).
		Post("/chat/completions")

	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("chat completion error: status %s: %s", resp.Status(), failure.Error.Message)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat completion returned no content")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Static answers every message with the same text. Used when no text
// generation endpoint is configured.
type Static struct {
	Text string
}

func (s Static) Reply(_ context.Context, _ string) (string, error) {
	if s.Text == "" {
		return "", fmt.Errorf("no reply configured")
	}
	return s.Text, nil
}
