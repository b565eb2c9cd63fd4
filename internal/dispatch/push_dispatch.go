package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher posts offers and outcomes as JSON to a push gateway that
// owns device tokens and fan-out to mobile clients.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) NotifyOffer(ctx context.Context, n models.OfferNotice) error {
	return p.post(ctx, map[string]any{"type": "ride_offer", "recipient": n.Offer.DriverID, "data": n})
}

func (p *PushDispatcher) NotifyOutcome(ctx context.Context, o models.Outcome) error {
	return p.post(ctx, map[string]any{"type": "ride_outcome", "recipient": o.RiderID, "data": o})
}

func (p *PushDispatcher) post(ctx context.Context, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
