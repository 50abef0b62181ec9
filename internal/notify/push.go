package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultPushEndpoint is the Expo push service used by the mobile app.
const DefaultPushEndpoint = "https://exp.host/--/api/v2/push/send"

// PushNotifier posts JSON push requests to an HTTP push provider; the
// contact handle is the device push token.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	if endpoint == "" {
		endpoint = DefaultPushEndpoint
	}
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushRequest struct {
	To    string  `json:"to"`
	Sound string  `json:"sound"`
	Title string  `json:"title"`
	Body  string  `json:"body"`
	Data  Message `json:"data"`
}

func (p *PushNotifier) Notify(ctx context.Context, contact string, msg Message) error {
	b, err := json.Marshal(pushRequest{To: contact, Sound: "default", Title: msg.Title, Body: msg.Body, Data: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
