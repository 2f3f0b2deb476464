package domain

// Envelope statuses returned by every user-visible operation. Errors carry a
// short machine-readable reason; stack traces never leave the process.
const (
	StatusOK                         = "ok"
	StatusNoData                     = "no_data"
	StatusInsufficientData           = "insufficient_data"
	StatusInsufficientLabels         = "insufficient_labels"
	StatusInsufficientClassVariation = "insufficient_class_variation"
	StatusUnchanged                  = "unchanged"
	StatusError                      = "error"
)

// Envelope is the common result wrapper. Detail holds operation-specific
// payloads (diagnostics, metric summaries) and is omitted when empty.
type Envelope struct {
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// OKEnvelope builds an ok envelope with optional detail.
func OKEnvelope(detail map[string]any) Envelope {
	return Envelope{Status: StatusOK, Detail: detail}
}

// ErrEnvelope builds an error envelope with a one-line reason.
func ErrEnvelope(reason string) Envelope {
	return Envelope{Status: StatusError, Reason: reason}
}
