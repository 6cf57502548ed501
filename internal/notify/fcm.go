package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMNotifier posts JSON to an FCM HTTP v1 style endpoint. The user id is
// sent as the topic; device token resolution happens on the push side.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Send(ctx context.Context, userID string, n Notification) error {
	data := map[string]string{"kind": string(n.Kind)}
	for k, v := range n.Data {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{"message": map[string]any{
		"topic":        "user-" + userID,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
