package domain

// AnalyticsEvent is one entry for the analytics collector.
type AnalyticsEvent struct {
	Action       string                 `json:"action"`
	Variation    string                 `json:"variation"`
	PartnerID    string                 `json:"partnerId,omitempty"`
	SessionID    string                 `json:"sessionId,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	StreamID     string                 `json:"streamId,omitempty"`
	Code         int                    `json:"failureCode,omitempty"`
	Message      string                 `json:"failureMessage,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	ClientTime   int64                  `json:"clientTime"`
}

// Analytics variations.
const (
	VariationAttempt = "Attempt"
	VariationSuccess = "Success"
	VariationFailure = "Failure"
	VariationCancel  = "Cancel"
)
