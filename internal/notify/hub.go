package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/payment-recon/internal/gateway"
)

// HubClient publishes to the websocket hub's broadcast endpoint. The hub
// fans the event out to every connected client of the bot's channel.
type HubClient struct {
	BaseURL string
	Secret  string
	hc      *http.Client
}

func NewHubClient(baseURL, secret string, timeout time.Duration) *HubClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HubClient{BaseURL: baseURL, Secret: secret, hc: &http.Client{Timeout: timeout}}
}

func (h *HubClient) BotChannel(botID int64) string {
	return fmt.Sprintf("bot.%d", botID)
}

func (h *HubClient) Broadcast(ctx context.Context, channel, event string, data json.RawMessage) (int, error) {
	in := map[string]any{
		"secret":  h.Secret,
		"channel": channel,
		"event":   event,
		"data":    data,
	}
	var out struct {
		Clients int `json:"clients"`
	}
	if err := gateway.PostJSON(ctx, h.hc, h.BaseURL+"/broadcast", in, &out); err != nil {
		return 0, err
	}
	return out.Clients, nil
}
