// Package telephony wraps the carrier's REST API for placing and ending
// outbound calls. Status updates and media arrive separately, via webhook
// and WebSocket endpoints served by the api package.
package telephony

import (
	"context"

	"github.com/dialcast/dialcast/internal/database/models"
)

// MachineDetection configures carrier-side answering machine detection.
type MachineDetection struct {
	Enabled   bool
	TimeoutMs int
}

// DialOptions carries per-call dial settings.
type DialOptions struct {
	MachineDetection MachineDetection
	Recording        bool
	MediaStreamURL   string
	StatusCallback   string
	RecordingCallback string
	TimeoutSec       int
	// CustomParameters are carried back on the media stream start event,
	// letting the bridge correlate the socket with the call.
	CustomParameters map[string]string
}

// Dialer places and terminates calls with the carrier.
type Dialer interface {
	// Dial places an outbound call and returns the carrier-assigned SID.
	Dial(ctx context.Context, to, from, region string, opts DialOptions) (string, error)
	// Hangup ends a call. It is idempotent: an unknown SID or an already
	// ended call returns nil with a logged warning.
	Hangup(ctx context.Context, callSID, reason string) error
	// RecordingMedia fetches the audio bytes for a recording SID, along
	// with the content type reported by the carrier.
	RecordingMedia(ctx context.Context, recordingSID string) ([]byte, string, error)
}

// NormalizeStatus maps a carrier status string to the canonical call status
// set. Unknown statuses map to the empty string.
func NormalizeStatus(carrierStatus string) string {
	switch carrierStatus {
	case "queued":
		return models.CallQueued
	case "initiated":
		return models.CallInitiated
	case "ringing":
		return models.CallRinging
	case "in-progress", "answered":
		return models.CallInProgress
	case "completed":
		return models.CallCompleted
	case "busy":
		return models.CallBusy
	case "no-answer":
		return models.CallNoAnswer
	case "failed":
		return models.CallFailed
	case "canceled":
		return models.CallCanceled
	}
	return ""
}
