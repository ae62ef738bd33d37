// Package webhook delivers signed charge events to merchant endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"StxPayGateway/internal/metrics"
	"StxPayGateway/internal/models"
	"StxPayGateway/internal/retry"
)

const (
	EventChargeCompleted = "charge.completed"

	HeaderSignature = "X-Signature"
	HeaderEventID   = "X-Event-Id"
	HeaderAttempt   = "X-Event-Attempt"
	HeaderTimestamp = "X-Event-Timestamp"
)

var eventNamespace = uuid.MustParse("6f0b6c4e-3a55-4c1d-9d2f-2b7f3e8a9c10")

type EventData struct {
	ChargeID   string     `json:"chargeId"`
	Address    string     `json:"address"`
	Amount     int64      `json:"amount"`
	PaidAt     *time.Time `json:"paidAt"`
	PayoutTxID *string    `json:"payoutTxId"`
}

type Envelope struct {
	Type       string    `json:"type"`
	EventID    string    `json:"eventId"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       EventData `json:"data"`
}

// EventID is stable per charge and event type so retried deliveries carry
// the same id and merchants can dedupe.
func EventID(chargeID, eventType string) string {
	return uuid.NewSHA1(eventNamespace, []byte(chargeID+"/"+eventType)).String()
}

func NewEnvelope(c *models.Charge, occurredAt time.Time) Envelope {
	return Envelope{
		Type:       EventChargeCompleted,
		EventID:    EventID(c.ChargeID, EventChargeCompleted),
		OccurredAt: occurredAt.UTC(),
		Data: EventData{
			ChargeID:   c.ChargeID,
			Address:    c.Address,
			Amount:     c.Amount,
			PaidAt:     c.PaidAt,
			PayoutTxID: c.PayoutTxID,
		},
	}
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an X-Signature header value ("sha256=<hex>") against body.
func Verify(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}

// Recorder persists the outcome of every attempt.
type Recorder interface {
	RecordWebhookAttempt(ctx context.Context, id int64, status models.WebhookStatus) (int, error)
}

type Sender struct {
	Client   *http.Client
	Recorder Recorder
	Attempts int
	Step     time.Duration
	Log      zerolog.Logger
	Now      func() time.Time
}

func NewSender(rec Recorder, attempts int, step, timeout time.Duration, log zerolog.Logger) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		Client:   &http.Client{Timeout: timeout},
		Recorder: rec,
		Attempts: attempts,
		Step:     step,
		Log:      log,
	}
}

var errNoEndpoint = errors.New("merchant webhook is not configured")

// Deliver POSTs the completion event. It returns true on any 2xx and false
// once the attempt budget is spent; it never returns an error so the caller
// decides whether to advance the charge.
func (s *Sender) Deliver(ctx context.Context, c *models.Charge, m *models.Merchant) bool {
	log := s.Log.With().Str("charge_id", c.ChargeID).Logger()
	if !m.WebhookConfigured() {
		log.Warn().Err(errNoEndpoint).Msg("webhook skipped")
		return false
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	body, err := json.Marshal(NewEnvelope(c, now()))
	if err != nil {
		log.Error().Err(err).Msg("encode webhook envelope")
		return false
	}
	signature := "sha256=" + Sign(*m.WebhookSecret, body)
	eventID := EventID(c.ChargeID, EventChargeCompleted)
	attempts := s.Attempts
	if attempts < 1 {
		attempts = 3
	}
	base := c.WebhookAttempts

	_, err = retry.Do(ctx, retry.Policy{Attempts: attempts, Delay: retry.Linear(s.Step)}, func(attempt int) (struct{}, error) {
		sendErr := s.post(ctx, *m.WebhookURL, body, signature, eventID, base+attempt, now())
		status := models.WebhookSuccess
		if sendErr != nil {
			status = models.WebhookFailed
		}
		if _, recErr := s.Recorder.RecordWebhookAttempt(ctx, c.ID, status); recErr != nil {
			log.Error().Err(recErr).Msg("record webhook attempt")
		}
		metrics.WebhookDeliveries.WithLabelValues(string(status)).Inc()
		if sendErr != nil {
			log.Warn().Err(sendErr).Int("attempt", base+attempt).Msg("webhook delivery failed")
		}
		return struct{}{}, sendErr
	})
	if err != nil {
		log.Error().Err(err).Msg("webhook delivery exhausted")
		return false
	}
	log.Info().Str("event_id", eventID).Msg("webhook delivered")
	return true
}

func (s *Sender) post(ctx context.Context, url string, body []byte, signature, eventID string, attempt int, at time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Stop(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEventID, eventID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(at.Unix(), 10))

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("merchant endpoint returned %d", resp.StatusCode)
	}
	return nil
}
