// Package notifier implements the chat sink: a bounded queue, worker-pool,
// retry-with-backoff dispatcher that posts a formatted impulse message to
// an admin webhook target and, per user, to that user's own chat id.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yofutures/impulse-screener/logging"
	"github.com/yofutures/impulse-screener/monitoring"
)

// Message is a single chat delivery: Text goes out to ChatID, or to the
// admin target when ChatID is empty.
type Message struct {
	ID      string
	ChatID  string
	Text    string
	Retries int
}

// Config configures the admin webhook target and HMAC signing.
type Config struct {
	AdminWebhookURL string
	AdminChatID     string
	SigningKey      string
	QueueSize       int
	Workers         int
	MaxRetries      int
	HTTPTimeout     time.Duration
}

// Notifier dispatches Messages to the configured webhook, queued and
// retried in the background so a slow or failing webhook never blocks the
// delivery call path.
type Notifier struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger

	queue    chan *Message
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Notifier. Call Start to begin processing.
func New(cfg Config, log *logging.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    log,
		queue:  make(chan *Message, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (n *Notifier) Start() {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

// SendAdmin queues text for delivery to the configured admin chat id.
func (n *Notifier) SendAdmin(text string) {
	n.enqueue(&Message{ID: uuid.New().String(), ChatID: n.cfg.AdminChatID, Text: text})
}

// SendToChat queues text for delivery to a specific user's chat id.
func (n *Notifier) SendToChat(chatID, text string) {
	if chatID == "" {
		return
	}
	n.enqueue(&Message{ID: uuid.New().String(), ChatID: chatID, Text: text})
}

func (n *Notifier) enqueue(msg *Message) {
	select {
	case n.queue <- msg:
		monitoring.SetNotifierQueueDepth(len(n.queue))
	default:
		monitoring.RecordNotifierDelivery("dropped")
		n.log.Warn("notifier queue full, dropping message", logging.String("chat_id", msg.ChatID))
	}
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.process(msg)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) process(msg *Message) {
	if n.cfg.AdminWebhookURL == "" {
		n.log.Warn("notifier webhook url not configured, dropping message", logging.String("message_id", msg.ID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HTTPTimeout)
	defer cancel()

	if err := n.send(ctx, msg); err != nil {
		msg.Retries++
		if msg.Retries <= n.cfg.MaxRetries {
			monitoring.RecordNotifierDelivery("retried")
			backoff := time.Duration(msg.Retries*msg.Retries) * time.Second
			time.Sleep(backoff)
			n.enqueue(msg)
			return
		}
		monitoring.RecordNotifierDelivery("dropped")
		n.log.Error("notifier delivery failed permanently", err, logging.String("message_id", msg.ID))
		logging.TrackError(ctx, err, "high", map[string]interface{}{"message_id": msg.ID, "chat_id": msg.ChatID})
		return
	}
	monitoring.RecordNotifierDelivery("success")
}

type webhookPayload struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	ChatID    string `json:"chat_id,omitempty"`
	Text      string `json:"text"`
}

func (n *Notifier) send(ctx context.Context, msg *Message) error {
	payload := webhookPayload{
		Event:     "chat_message",
		Timestamp: time.Now().Unix(),
		ChatID:    msg.ChatID,
		Text:      msg.Text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.AdminWebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.SigningKey != "" {
		req.Header.Set("X-Webhook-Signature", signHMAC(n.cfg.SigningKey, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func signHMAC(key string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
