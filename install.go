package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// InstallError reports the resource that made an install fail.
type InstallError struct {
	Resource string
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("could not install %s: %v", e.Resource, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// StatusError is returned for origin responses outside the 2xx range.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin responded with status %d", e.StatusCode)
}

// Install opens the configured bucket and stores every resource in it.
// Either all resources are stored or none are: a single failing resource fails the install
// and leaves the bucket as it was.
// Concurrent calls share one install, which keeps running when a caller's ctx is done;
// that caller returns ctx.Err().
// Calling Install again refetches and overwrites all resources.
func (m *Manager) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := m.installs.DoChan(m.bucketName, func() (interface{}, error) {
		return nil, m.install(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Shared {
			m.log.Trace().Msg("Joined running install")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) install(ctx context.Context) error {
	start := time.Now()
	bucket, err := m.storage.Open(ctx, m.bucketName)
	if err != nil {
		m.installFailed(err)
		return fmt.Errorf("could not open bucket %s: %w", m.bucketName, err)
	}
	m.log.Info().Msg("Storage bucket opened")

	entries := make([]cache.Entry, len(m.resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range m.resources {
		i, key := i, key
		g.Go(func() error {
			entry, err := m.fetchResource(gctx, key)
			if err != nil {
				return &InstallError{Resource: key, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.installFailed(err)
		return err
	}

	if err := bucket.PutAll(ctx, entries); err != nil {
		m.installFailed(err)
		return fmt.Errorf("could not store resources: %w", err)
	}

	m.setBucket(bucket)
	m.state.Store(int32(StateActive))
	m.log.Info().
		Int("resources", len(entries)).
		Dur("took", time.Since(start)).
		Msg("Install complete")
	return nil
}

// installFailed moves a manager that never completed an install to the failed state.
// An active manager keeps serving its previous install.
// Cancellation is not a failure of the origin and leaves the state alone.
func (m *Manager) installFailed(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.log.Warn().Err(err).Msg("Install cancelled")
		return
	}
	m.log.Error().Err(err).Msg("Install failed")
	m.state.CompareAndSwap(int32(StateInstalling), int32(StateFailed))
}

// fetchResource requests the resource identified by key from the origin
// and serializes the response for storage.
func (m *Manager) fetchResource(ctx context.Context, key string) (cache.Entry, error) {
	req, err := m.keyer.GetRequestFromKey(key)
	if err != nil {
		return cache.Entry{}, err
	}
	req = req.WithContext(ctx)

	m.log.Debug().
		Str("method", req.Method).
		Str("key", key).
		Msg("Requesting content from origin")

	res, err := m.fetch(m.installClient, req)
	if err != nil {
		return cache.Entry{}, err
	}
	body := res.Response.Body
	defer body.Close()

	if res.Response.StatusCode < http.StatusOK || res.Response.StatusCode >= http.StatusMultipleChoices {
		return cache.Entry{}, &StatusError{StatusCode: res.Response.StatusCode}
	}
	m.rules.Apply(res.Response, m.log)

	bts, err := serializer.StoredResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, err
	}
	m.log.Trace().Str("key", key).Int("bytes", len(bts)).Msg("Fetched resource")
	return cache.Entry{Key: key, StoredAt: res.ResponseTime, Bytes: bts}, nil
}
