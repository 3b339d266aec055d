package actionworkers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/infrastructure/secrets"
)

// telegramGlobalRate is the global send budget across all destinations.
const telegramGlobalRate = 30 // messages/second

// telegramDestinationRate is the per-chat_id send budget.
const telegramDestinationRate = 1 // message/second

// telegramChatIDPattern matches the provider's chat id format: an optional
// leading '-' (group/channel chats) followed by digits, or an '@username'.
var telegramChatIDPattern = regexp.MustCompile(`^(-?\d+|@[A-Za-z0-9_]{5,32})$`)

// TelegramSender posts rendered messages to the Telegram Bot API.
type TelegramSender struct {
	client       *http.Client
	botToken     secrets.String
	global       *rate.Limiter
	mu           sync.Mutex
	perChat      map[string]*rate.Limiter
}

// NewTelegramSender builds a sender bound to one bot token, with the
// global and per-chat rate limits from §4.3(a).
func NewTelegramSender(botToken secrets.String) *TelegramSender {
	return &TelegramSender{
		client:   &http.Client{Timeout: 10 * time.Second},
		botToken: botToken,
		global:   rate.NewLimiter(rate.Limit(telegramGlobalRate), telegramGlobalRate),
		perChat:  make(map[string]*rate.Limiter),
	}
}

func (t *TelegramSender) Destination(config map[string]string) string {
	return config["chat_id"]
}

func (t *TelegramSender) chatLimiter(chatID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.perChat[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(telegramDestinationRate), 1)
		t.perChat[chatID] = l
	}
	return l
}

// Send validates the destination format, honors both rate budgets, and
// posts the rendered text. Network errors, timeouts, and 5xx/429 classify
// as retryable; other 4xx are permanent.
func (t *TelegramSender) Send(ctx context.Context, config map[string]string, _ event.Event) Outcome {
	chatID := config["chat_id"]
	if !telegramChatIDPattern.MatchString(chatID) {
		return Outcome{Success: false, Retryable: false, Err: fmt.Errorf("telegram: invalid chat_id format %q", chatID)}
	}

	if err := t.global.Wait(ctx); err != nil {
		return Outcome{Success: false, Retryable: true, Err: err}
	}
	if err := t.chatLimiter(chatID).Wait(ctx); err != nil {
		return Outcome{Success: false, Retryable: true, Err: err}
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    config["rendered_text"],
	})
	if err != nil {
		return Outcome{Success: false, Retryable: false, Err: err}
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken.Reveal())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Success: false, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Outcome{Success: false, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	success, retryable := classifyHTTPStatus(resp.StatusCode)
	return Outcome{
		Success:         success,
		Retryable:       retryable,
		ResponseSummary: fmt.Sprintf("telegram sendMessage status=%d", resp.StatusCode),
	}
}
