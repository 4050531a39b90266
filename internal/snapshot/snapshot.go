// Package snapshot captures the most recent frame of a session and stores
// it as a JPEG object.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"screenrelay/internal/metrics"
	"screenrelay/internal/session"
	"screenrelay/internal/storage"
)

// ErrBadName rejects snapshot names that are not plain file names.
var ErrBadName = errors.New("snapshot: invalid snapshot name")

// snapshotURLTTL is how long a signed download URL stays valid.
const snapshotURLTTL = 15 * time.Minute

// URLSigner is implemented by storage backends that can mint time-limited
// download URLs, letting clients fetch snapshots without going through the
// relay.
type URLSigner interface {
	SignedURL(path string, expires time.Duration) (string, error)
}

// Service persists screenshots of live sessions.
type Service struct {
	registry *session.Registry
	store    storage.Storage
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates a snapshot service.
func NewService(registry *session.Registry, store storage.Storage, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		metrics:  m,
		logger:   logger.Named("snapshot"),
	}
}

// Capture stores the latest frame of a device's session and returns the
// object path it was written to. Fails when the session is unknown or has
// not produced an mjpeg frame yet.
func (s *Service) Capture(ctx context.Context, deviceID string) (string, error) {
	jpeg, err := s.registry.LatestFrame(deviceID)
	if err != nil {
		return "", err
	}

	path := objectPath(deviceID)
	if err := s.store.Write(ctx, path, jpeg); err != nil {
		return "", fmt.Errorf("failed to store snapshot: %w", err)
	}

	s.metrics.SnapshotsStored.Inc()
	s.logger.Info("snapshot stored",
		zap.String("deviceId", deviceID),
		zap.String("path", path),
		zap.Int("bytes", len(jpeg)))

	return path, nil
}

// List returns the stored snapshot names for a device, newest last.
func (s *Service) List(ctx context.Context, deviceID string) ([]string, error) {
	return s.store.List(ctx, deviceID)
}

// Read returns the bytes of a previously stored snapshot.
func (s *Service) Read(ctx context.Context, deviceID, name string) ([]byte, error) {
	if !validName(name) {
		return nil, ErrBadName
	}
	return s.store.Read(ctx, path.Join(deviceID, name))
}

// SignedURL returns a direct download URL for a snapshot when the storage
// backend supports signing, and false when it does not (or signing fails,
// in which case the caller serves the bytes itself).
func (s *Service) SignedURL(deviceID, name string) (string, bool) {
	if !validName(name) {
		return "", false
	}
	signer, ok := s.store.(URLSigner)
	if !ok {
		return "", false
	}
	url, err := signer.SignedURL(path.Join(deviceID, name), snapshotURLTTL)
	if err != nil {
		s.logger.Warn("failed to sign snapshot URL",
			zap.String("deviceId", deviceID),
			zap.String("name", name),
			zap.Error(err))
		return "", false
	}
	return url, true
}

// validName accepts only plain file names, keeping object paths confined to
// the device's own prefix.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\\") && !strings.Contains(name, "..")
}

func objectPath(deviceID string) string {
	return fmt.Sprintf("%s/%s-%s.jpg",
		deviceID,
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8])
}
