package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStorage implements Storage backed by a Google Cloud Storage bucket.
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle

	bucketName string
	prefix     string
}

// NewGCSStorage creates a GCS-backed storage instance. All objects are
// written under prefix in the given bucket. credentialsFile may be empty
// to use application default credentials.
func NewGCSStorage(ctx context.Context, bucketName, prefix, credentialsFile string) (*GCSStorage, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:     client,
		bucket:     bucket,
		bucketName: bucketName,
		prefix:     prefix,
	}, nil
}

func (s *GCSStorage) objectPath(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// Write uploads data to the bucket.
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	obj := s.bucket.Object(s.objectPath(p))
	w := obj.NewWriter(ctx)
	w.ContentType = contentTypeFor(p)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

// Read downloads an object from the bucket.
func (s *GCSStorage) Read(ctx context.Context, p string) ([]byte, error) {
	r, err := s.bucket.Object(s.objectPath(p)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	err := s.bucket.Object(s.objectPath(p)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Exists checks if an object exists in the bucket.
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.bucket.Object(s.objectPath(p)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// List lists object names directly under a directory prefix.
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	listPrefix := s.objectPath(dir)
	if listPrefix != "" {
		listPrefix += "/"
	}

	it := s.bucket.Objects(ctx, &storage.Query{
		Prefix:    listPrefix,
		Delimiter: "/",
	})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		if attrs.Name != "" {
			names = append(names, path.Base(attrs.Name))
		}
	}
	return names, nil
}

// SignedURL returns a time-limited download URL for an object.
func (s *GCSStorage) SignedURL(p string, expires time.Duration) (string, error) {
	url, err := s.bucket.SignedURL(s.objectPath(p), &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expires),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}
	return url, nil
}

// Close releases the underlying client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func contentTypeFor(p string) string {
	switch path.Ext(p) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
