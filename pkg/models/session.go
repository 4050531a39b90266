// Package models holds the types returned by the REST API.
package models

// SessionInfo describes one device session as reported by the API.
type SessionInfo struct {
	DeviceID    string  `json:"deviceId"`
	State       string  `json:"state,omitempty"` // relay engine state, if any
	HasProducer bool    `json:"hasProducer"`
	CaptureMode string  `json:"captureMode"` // "primary", "fallback" or "none"
	Consumers   int     `json:"consumers"`
	Codec       string  `json:"codec,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	FrameRate   float64 `json:"frameRate,omitempty"`
	FrameCount  uint64  `json:"frameCount"`
	LastFrameAt string  `json:"lastFrameAt,omitempty"` // RFC 3339
}

// SessionListResponse is the body of GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}
