package kiro

import (
	"encoding/json"
	"fmt"
)

// usageLimitsResponse mirrors the getUsageLimits wire shape. The quota of
// interest is the AGENTIC_REQUEST resource; the response may carry several.
type usageLimitsResponse struct {
	Email  string `json:"email,omitempty"`
	Limits []struct {
		ResourceType string  `json:"resourceType"`
		Limit        float64 `json:"limit"`
		CurrentUsage float64 `json:"currentUsage"`
	} `json:"limits,omitempty"`

	// Flat legacy shape
	Limit        *float64 `json:"limit,omitempty"`
	CurrentUsage *float64 `json:"currentUsage,omitempty"`
}

func parseUsageLimits(body []byte) (*UsageLimits, error) {
	var resp usageLimitsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse usage limits: %w", err)
	}

	out := &UsageLimits{Email: resp.Email}
	for _, l := range resp.Limits {
		if l.ResourceType == "AGENTIC_REQUEST" {
			out.Limit = int64(l.Limit)
			out.Current = int64(l.CurrentUsage)
			return out, nil
		}
	}
	if resp.Limit != nil {
		out.Limit = int64(*resp.Limit)
	}
	if resp.CurrentUsage != nil {
		out.Current = int64(*resp.CurrentUsage)
	}
	return out, nil
}
