package agent

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// GreetingGenerator writes a new base greeting text.
type GreetingGenerator interface {
	Greeting(ctx context.Context) (string, error)
}

// Greetings picks the suggested opening message and emoji for a new lead.
type Greetings struct {
	texts     []string
	emojis    []string
	generator GreetingGenerator

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGreetings builds a picker. generator may be nil; when it fails the
// static texts are used.
func NewGreetings(texts, emojis []string, generator GreetingGenerator) *Greetings {
	if len(texts) == 0 {
		texts = []string{"Olá! Quero saber mais sobre o produto"}
	}
	if len(emojis) == 0 {
		emojis = []string{"☺️", "😃", "😊", "🌹", "🥰", "🙂"}
	}
	return &Greetings{
		texts:     texts,
		emojis:    emojis,
		generator: generator,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns the base text and emoji. The customer is expected to send
// Compose(text, emoji) verbatim.
func (g *Greetings) Pick(ctx context.Context) (text, emoji string) {
	if g.generator != nil {
		generated, err := g.generator.Greeting(ctx)
		if err == nil && generated != "" {
			text = generated
		} else {
			log.Warn().Err(err).Msg("Greeting generation failed, using static pool")
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if text == "" {
		text = g.texts[g.rng.Intn(len(g.texts))]
	}
	emoji = g.emojis[g.rng.Intn(len(g.emojis))]
	return text, emoji
}

// Compose is the full pre-filled message the landing page opens the chat with.
func Compose(text, emoji string) string {
	return strings.TrimSpace(emoji + " " + strings.TrimSpace(text))
}
