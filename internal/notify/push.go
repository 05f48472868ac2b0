package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushGateway posts event envelopes to an external push service for clients
// without a live websocket. Best effort, same as the hub.
type PushGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushGateway(endpoint, key string) *PushGateway {
	return &PushGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Role      string `json:"role"`
	Recipient string `json:"recipient"`
	Event     Event  `json:"event"`
}

func (p *PushGateway) NotifyRider(riderID string, ev Event) {
	p.post(pushMessage{Role: "rider", Recipient: riderID, Event: ev})
}

func (p *PushGateway) NotifyDriver(driverID string, ev Event) {
	p.post(pushMessage{Role: "driver", Recipient: driverID, Event: ev})
}

func (p *PushGateway) post(msg pushMessage) {
	b, _ := json.Marshal(msg)
	req, _ := http.NewRequest("POST", p.Endpoint, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	go func() {
		resp, err := p.Client.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()
}
