package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gestaozabele/bitacora/internal/retry"
)

// ErrDelivery indica que o canal externo recusou a mensagem.
var ErrDelivery = errors.New("notify: entrega recusada")

// Severidades aceitas.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notifier envia avisos para canais externos.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Message nunca deve carregar conteúdo cifrado em claro; apenas categoria,
// prioridade e identificadores.
type Message struct {
	Title    string
	Text     string
	Severity string
}

// Noop descarta mensagens.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }

// New devolve um SlackNotifier ou Noop quando o webhook não está configurado.
func New(webhookURL string) Notifier {
	if strings.TrimSpace(webhookURL) == "" {
		return Noop{}
	}
	return NewSlackNotifier(webhookURL)
}

// SlackNotifier publica num incoming webhook do Slack.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	policy     retry.Policy
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		policy: retry.Linear("notify.slack", 3, 300*time.Millisecond).When(func(err error) bool {
			return !errors.Is(err, ErrDelivery)
		}),
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]any{"text": format(msg)})
	if err != nil {
		return err
	}
	return retry.Run(ctx, s.policy, func(ctx context.Context) error {
		return s.post(ctx, body)
	})
}

func (s *SlackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("slack respondeu %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}

func format(msg Message) string {
	emoji := ":information_source:"
	switch msg.Severity {
	case SeverityWarning:
		emoji = ":warning:"
	case SeverityCritical:
		emoji = ":rotating_light:"
	}
	if msg.Title != "" {
		return emoji + " *" + msg.Title + "*\n" + msg.Text
	}
	return emoji + " " + msg.Text
}
