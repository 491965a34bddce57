package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapfunnel/config"
	"zapfunnel/internal/models"
	"zapfunnel/internal/pipeline"
	"zapfunnel/internal/security"
	"zapfunnel/internal/store"
	"zapfunnel/internal/whatsapp"
)

const (
	testSecret     = "app-secret"
	testVerify     = "verify-me"
	testAdminToken = "admin-token"
	testNumberID   = "1000"
)

// graphAPI is a fake Cloud API recording what the flows send.
type graphAPI struct {
	mu    sync.Mutex
	kinds []string
	next  int
}

func (g *graphAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	g.mu.Lock()
	defer g.mu.Unlock()
	if kind, ok := payload["type"].(string); ok {
		g.kinds = append(g.kinds, kind)
		g.next++
		_, _ = fmt.Fprintf(w, `{"messages":[{"id":"wamid.out.%d"}]}`, g.next)
		return
	}
	if _, ok := payload["typing_indicator"]; ok {
		g.kinds = append(g.kinds, "typing")
	} else {
		g.kinds = append(g.kinds, "read")
	}
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (g *graphAPI) count(kind string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, k := range g.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func (g *graphAPI) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.kinds)
}

func testConfig(t *testing.T, graphURL string) *config.Config {
	return &config.Config{
		Port:                  "0",
		LogLevel:              "debug",
		DatabaseDriver:        store.DriverSQLite,
		DatabaseURL:           "file:" + filepath.Join(t.TempDir(), "app.db") + "?_pragma=busy_timeout(5000)",
		DatabaseMigrate:       true,
		WhatsAppAPIURL:        graphURL + "/v20.0/",
		WhatsAppAccessToken:   "token",
		WhatsAppPhoneNumberID: testNumberID,
		WhatsAppAppSecret:     testSecret,
		WhatsAppVerifyToken:   testVerify,
		WhatsAppNumbers:       []string{"+5511999990000"},
		AdminAPIToken:         testAdminToken,
		NotifyMaxPerHour:      10,
		NotifyDedupTTL:        time.Minute,
		PipelineWorkers:       2,
		FlowStartDelay:        10 * time.Millisecond,
		FlowMaxAttempts:       1,
		FlowRetryBackoff:      10 * time.Millisecond,
		FlowLeaseTTL:          time.Minute,
		DefaultProductID:      1,
		IntroAudioURLs:        []string{"https://cdn.example/a.ogg", "https://cdn.example/b.ogg"},
		OfferText:             "Here is the book",
		OfferDocumentURL:      "https://cdn.example/book.pdf",
		OfferDocumentName:     "book.pdf",
		FallbackReply:         "Thanks, talk soon",
		GreetingBaseTexts:     []string{"Hi, I want the recipes"},
		GreetingEmojiPool:     []string{"😊"},
	}
}

// startApp builds the whole process against a fake Cloud API and runs the
// pipeline workers until the test ends.
func startApp(t *testing.T) (*app, *graphAPI) {
	t.Helper()
	graph := &graphAPI{}
	graphServer := httptest.NewServer(graph)
	t.Cleanup(graphServer.Close)

	a, err := newApp(testConfig(t, graphServer.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.pipeline.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		a.Close()
	})
	return a, graph
}

func signedDelivery(t *testing.T, from, messageID, text string) *http.Request {
	t.Helper()
	body, err := json.Marshal(whatsapp.TextMessageEnvelope(testNumberID, from, "Ana", messageID, text, time.Now()))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(headerSignature, security.Sign(body, testSecret))
	return req
}

func serve(a *app, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_NewContactReceivesIntro(t *testing.T) {
	a, graph := startApp(t)

	rec := serve(a, signedDelivery(t, "5511988887777", "wamid.in.1", "oi"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	assert.Eventually(t, func() bool {
		return graph.count("audio") == 2
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		order, err := a.store.LatestOrderByContact(ctx, "5511988887777", 1)
		return err == nil && order.State == models.StateIntroSent
	}, 5*time.Second, 20*time.Millisecond)

	order, err := a.store.LatestOrderByContact(ctx, "5511988887777", 1)
	require.NoError(t, err)
	messages, err := a.store.ListMessages(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, models.DirectionReceived, messages[0].Direction)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.SequenceNumber)
	}
}

func TestWebhook_RedeliveryIsAbsorbed(t *testing.T) {
	a, graph := startApp(t)

	require.Equal(t, http.StatusOK, serve(a, signedDelivery(t, "5511977776666", "wamid.in.dup", "oi")).Code)
	assert.Eventually(t, func() bool { return graph.count("audio") == 2 }, 5*time.Second, 20*time.Millisecond)

	// Meta retries the same delivery after the intro went out.
	require.Equal(t, http.StatusOK, serve(a, signedDelivery(t, "5511977776666", "wamid.in.dup", "oi")).Code)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, graph.count("audio"))
	assert.Equal(t, 0, graph.count("text"))
	assert.Equal(t, 0, graph.count("document"))
}

func TestWebhook_InvalidSignature(t *testing.T) {
	a, graph := startApp(t)

	req := signedDelivery(t, "5511988887777", "wamid.in.1", "oi")
	req.Header.Set(headerSignature, "sha256=deadbeef")
	rec := serve(a, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	n, err := a.store.CountOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, graph.total())
	assert.Zero(t, a.pipeline.Status().Scheduled)
}

func TestWebhook_StatusOnlyDelivery(t *testing.T) {
	a, _ := startApp(t)

	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","metadata":{"phone_number_id":"1000"},"statuses":[{"id":"wamid.out.1","status":"delivered"}]}}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(headerSignature, security.Sign(body, testSecret))

	rec := serve(a, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestVerifyWebhook(t *testing.T) {
	a, _ := startApp(t)

	rec := serve(a, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token="+testVerify+"&hub.challenge=1158201444", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = serve(a, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLead_LinksByGreeting(t *testing.T) {
	a, graph := startApp(t)

	rec := serve(a, httptest.NewRequest(http.MethodPost, "/lead", bytes.NewReader([]byte(`{"product_id":1,"gclid":"abc123","campaignid":"42"}`))))
	require.Equal(t, http.StatusOK, rec.Code)

	var lead leadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lead))
	assert.Equal(t, "5511999990000", lead.WhatsAppNumber)
	assert.Equal(t, "😊", lead.Emoji)
	assert.Equal(t, "😊 Hi, I want the recipes", lead.Greeting)
	require.NotZero(t, lead.OrderID)

	require.Equal(t, http.StatusOK, serve(a, signedDelivery(t, "5511955554444", "wamid.in.lead", lead.Greeting)).Code)

	assert.Eventually(t, func() bool { return graph.count("audio") == 2 }, 5*time.Second, 20*time.Millisecond)
	order, err := a.store.GetOrder(context.Background(), lead.OrderID)
	require.NoError(t, err)
	assert.True(t, order.Linked())
	assert.Equal(t, "5511955554444", order.ContactPhone.String)
	assert.Equal(t, "abc123", order.GCLID)

	n, err := a.store.CountOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdmin_RequiresToken(t *testing.T) {
	a, _ := startApp(t)

	rec := serve(a, httptest.NewRequest(http.MethodGet, "/admin/pipeline", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/pipeline", nil)
	req.Header.Set(headerAdminToken, testAdminToken)
	rec = serve(a, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Status   string          `json:"status"`
			Pipeline pipeline.Status `json:"pipeline"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, "running", envelope.Data.Status)
	assert.Equal(t, "memory", envelope.Data.Pipeline.Broker.Broker)
}

func TestAdmin_ReplayDeadLetter(t *testing.T) {
	a, graph := startApp(t)
	ctx := context.Background()

	order := &models.Order{
		ProductID:     1,
		State:         models.StateInitiated,
		ContactPhone:  sql.NullString{String: "5511944443333", Valid: true},
		PhoneNumberID: sql.NullString{String: testNumberID, Valid: true},
	}
	require.NoError(t, a.store.CreateOrder(ctx, order))

	task := pipeline.Task{
		ID:            "failed-invocation",
		Flow:          models.FlowSendIntro,
		OrderID:       order.ID,
		ExpectedState: models.StateInitiated,
		Event: models.InboundMessage{
			MessageID:     "wamid.in.replay",
			From:          "5511944443333",
			PhoneNumberID: testNumberID,
			Text:          "oi",
			Timestamp:     time.Now(),
		},
		Attempt: 3,
	}
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	letter := &models.DeadLetter{InvocationID: task.ID, Flow: task.Flow, OrderID: order.ID, Task: string(raw), Error: "boom", Attempts: 3}
	require.NoError(t, a.store.AddDeadLetter(ctx, letter))

	replay := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/admin/deadletters/%d/replay", letter.ID), nil)
		req.Header.Set(headerAdminToken, testAdminToken)
		return serve(a, req)
	}

	require.Equal(t, http.StatusOK, replay().Code)
	assert.Eventually(t, func() bool { return graph.count("audio") == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusConflict, replay().Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/deadletters/9999/replay", nil)
	req.Header.Set(headerAdminToken, testAdminToken)
	assert.Equal(t, http.StatusNotFound, serve(a, req).Code)
}

func TestAdmin_ConfirmPayment(t *testing.T) {
	a, _ := startApp(t)
	ctx := context.Background()

	order := &models.Order{ProductID: 1, State: models.StateOfferInterested}
	require.NoError(t, a.store.CreateOrder(ctx, order))

	pay := func(id int64, body string) int {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/admin/orders/%d/payment", id), bytes.NewReader([]byte(body)))
		req.Header.Set(headerAdminToken, testAdminToken)
		return serve(a, req).Code
	}

	assert.Equal(t, http.StatusBadRequest, pay(order.ID, `{"amount":0}`))
	assert.Equal(t, http.StatusOK, pay(order.ID, `{"amount":47.5,"proof_path":"proofs/7.jpg"}`))
	assert.Equal(t, http.StatusConflict, pay(order.ID, `{"amount":47.5}`))
	assert.Equal(t, http.StatusNotFound, pay(9999, `{"amount":1}`))

	got, err := a.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaid, got.State)
	assert.Equal(t, 47.5, got.PaymentAmount.Float64)
}

func TestHealth(t *testing.T) {
	a, _ := startApp(t)

	rec := serve(a, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"ok"}`, rec.Body.String())

	require.NoError(t, a.store.Close())
	rec = serve(a, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// lostBroker behaves like a broker whose connection dropped.
type lostBroker struct{}

func (lostBroker) Publish(context.Context, pipeline.Task, time.Duration) error { return nil }
func (lostBroker) Consume(context.Context, pipeline.Handler) error {
	return errors.New("RabbitMQ consumer on zapfunnel_flows stopped: deliveries closed")
}
func (lostBroker) Stats() pipeline.BrokerStats { return pipeline.BrokerStats{Broker: "lost"} }
func (lostBroker) Close() error                { return nil }

func TestRun_WorkerFailureStopsProcess(t *testing.T) {
	graphServer := httptest.NewServer(&graphAPI{})
	t.Cleanup(graphServer.Close)

	for _, mode := range []string{modeWorker, modeAll} {
		t.Run(mode, func(t *testing.T) {
			a, err := newApp(testConfig(t, graphServer.URL))
			require.NoError(t, err)
			t.Cleanup(a.Close)
			a.pipeline = pipeline.New(lostBroker{}, a.store, nil, nil, pipeline.Options{})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = run(ctx, a, mode, "127.0.0.1:0")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "deliveries closed")
			assert.NoError(t, ctx.Err(), "run must return before the context ends")
		})
	}
}

func TestIsValidMode(t *testing.T) {
	assert.True(t, isValidMode("all"))
	assert.True(t, isValidMode("server"))
	assert.True(t, isValidMode("worker"))
	assert.False(t, isValidMode("both"))
}
