package wsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// EntitlementRequest is the body posted/patched to the entitlement
// session endpoint. Which fields are populated depends on the call: open
// (product id in the URL, NodeLockedOnly optional), renewal (neither
// IsHealth nor IsClosed set), health (IsHealth), or close (IsClosed).
type EntitlementRequest struct {
	DNA             string `json:"dna,omitempty"`
	SaaSChallenge   string `json:"saas_challenge,omitempty"`
	MeteringFile    string `json:"metering_file,omitempty"`
	NodeLockedOnly  *bool  `json:"node_locked_only,omitempty"`
	IsHealth        *bool  `json:"is_health,omitempty"`
	IsClosed        *bool  `json:"is_closed,omitempty"`
	// Diagnostics carries the device diagnostics dump attached to a
	// node-locked bootstrap request (spec.md §4.8: ".req" plus "the device
	// diagnostics"). Opaque to the adapter itself.
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
}

// LicenseEntry is one entry of drm_config.license, keyed by DNA.
type LicenseEntry struct {
	Key   string `json:"key"`
	Timer string `json:"timer"`
}

// DRMConfig is the entitlement response's drm_config object.
type DRMConfig struct {
	LicensePeriodSecond int                     `json:"license_period_second"`
	DRMSessionID        string                  `json:"drm_session_id,omitempty"`
	License             map[string]LicenseEntry `json:"license,omitempty"`
	HealthPeriod        int                     `json:"health_period"`
	HealthRetryTimeout  int                     `json:"health_retry_timeout,omitempty"`
	HealthRetrySleep    int                     `json:"health_retry_sleep,omitempty"`
}

// EntitlementResponse is the entitlement session create/update response.
type EntitlementResponse struct {
	ID        string    `json:"id"`
	DRMConfig DRMConfig `json:"drm_config"`
}

// boolPtr is a tiny helper so callers can write boolPtr(true) inline.
func boolPtr(b bool) *bool { return &b }

// IsHealthBody marks an update request as a health report.
func IsHealthBody(req EntitlementRequest) EntitlementRequest {
	req.IsHealth = boolPtr(true)
	return req
}

// IsClosedBody marks an update request as the final, session-closing PATCH.
func IsClosedBody(req EntitlementRequest) EntitlementRequest {
	req.IsClosed = boolPtr(true)
	return req
}

// CreateAttempt builds the Attempt that opens an entitlement session:
// POST /customer/product/{product_id}/entitlement_session. The caller
// drives it through a retry schedule (BoundedBudget for activation).
func (c *Client) CreateAttempt(productID string, req EntitlementRequest, out *EntitlementResponse) Attempt {
	path := fmt.Sprintf("/customer/product/%s/entitlement_session", productID)
	return func(ctx context.Context) error {
		return c.doJSON(ctx, "wsadapter.create_entitlement_session", http.MethodPost, path, req, out)
	}
}

// UpdateAttempt builds the Attempt that renews, health-reports, or closes
// an existing entitlement session: PATCH /customer/entitlement_session/{id}.
// The caller drives it through a retry schedule (TwoTier for renewal,
// BoundedBudget for health reports and the final close).
func (c *Client) UpdateAttempt(sessionID string, req EntitlementRequest, out *EntitlementResponse) Attempt {
	path := fmt.Sprintf("/customer/entitlement_session/%s", sessionID)
	return func(ctx context.Context) error {
		return c.doJSON(ctx, "wsadapter.update_entitlement_session", http.MethodPatch, path, req, out)
	}
}
