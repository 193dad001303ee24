package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"contentctl/pkg/clients/billing"
)

// platformSubscription and platformPreference mirror the platform's own
// JSON shape (the PENDING/ACTIVE/CANCELLED/EXPIRED/FROZEN/DECLINED
// vocabulary); BillingAdapter translates them into billing's internal
// types.
type platformSubscription struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type platformPreference struct {
	StoreID   string                 `json:"store_id"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// BillingAdapter implements billing.PlatformClient over a commerce Client,
// so the billing reconciliation client can live-verify subscription status
// against the same REST surface the rest of the commerce domain uses.
type BillingAdapter struct {
	client *Client
}

// NewBillingAdapter wraps client to satisfy billing.PlatformClient.
func NewBillingAdapter(client *Client) *BillingAdapter {
	return &BillingAdapter{client: client}
}

// FetchSubscription implements billing.PlatformClient.
func (a *BillingAdapter) FetchSubscription(ctx context.Context, subscriptionID string) (billing.Subscription, error) {
	resp, err := a.client.DoREST(ctx, RESTRequest{
		Method: "GET",
		Path:   fmt.Sprintf("/subscriptions/%s", subscriptionID),
	}, subscriptionID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("fetch subscription: %w", err)
	}
	if resp.StatusCode >= 400 {
		return billing.Subscription{}, fmt.Errorf("fetch subscription: status %d", resp.StatusCode)
	}

	var platform platformSubscription
	if err := json.Unmarshal(resp.Body, &platform); err != nil {
		return billing.Subscription{}, fmt.Errorf("fetch subscription: decode: %w", err)
	}
	return billing.Subscription{
		ID:        platform.ID,
		StoreID:   platform.StoreID,
		Status:    billing.MapPlatformStatus(platform.Status),
		UpdatedAt: platform.UpdatedAt,
	}, nil
}

// FetchPreference implements billing.PlatformClient.
func (a *BillingAdapter) FetchPreference(ctx context.Context, storeID string) (billing.Preference, error) {
	resp, err := a.client.DoREST(ctx, RESTRequest{
		Method: "GET",
		Path:   fmt.Sprintf("/stores/%s/billing-preference", storeID),
	}, storeID)
	if err != nil {
		return billing.Preference{}, fmt.Errorf("fetch preference: %w", err)
	}
	if resp.StatusCode >= 400 {
		return billing.Preference{}, fmt.Errorf("fetch preference: status %d", resp.StatusCode)
	}

	var platform platformPreference
	if err := json.Unmarshal(resp.Body, &platform); err != nil {
		return billing.Preference{}, fmt.Errorf("fetch preference: decode: %w", err)
	}
	return billing.Preference{
		StoreID:   platform.StoreID,
		Data:      platform.Data,
		UpdatedAt: platform.UpdatedAt,
	}, nil
}
