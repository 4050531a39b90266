package models

import "time"

// PublishToken authorizes one producer connection for a device.
type PublishToken struct {
	Token       string    // The actual token string
	DeviceID    string    // Device id this token is valid for
	CreatedAt   time.Time // When token was created
	ExpiresAt   time.Time // When token expires
	PublisherIP string    // IP address that requested the token
	IsUsed      bool      // Whether token has been used
}

// IsValid checks if the token is still valid.
func (t *PublishToken) IsValid() bool {
	return !t.IsUsed && time.Now().Before(t.ExpiresAt)
}

// PublishRequest represents a request to create a publish token.
type PublishRequest struct {
	DeviceID  string `json:"deviceId" binding:"required"`
	ExpiresIn int    `json:"expiresIn"` // Seconds until expiration (default 3600)
}

// PublishResponse represents the response to a publish request.
type PublishResponse struct {
	ProducerURL string `json:"producerUrl"`
	RTMPURL     string `json:"rtmpUrl"`
	DeviceID    string `json:"deviceId"`
	Token       string `json:"token"`
	ExpiresAt   string `json:"expiresAt"`
}
