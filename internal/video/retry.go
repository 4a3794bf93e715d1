package video

import (
	"context"
	"errors"
	"time"
)

var baseBackoff = 500 * time.Millisecond

// withRetry runs fn up to maxAttempts times, doubling the backoff between
// attempts. Only ErrProviderUnavailable is retried; every other error is
// terminal.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	backoff := baseBackoff
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, ErrProviderUnavailable) || errors.Is(err, errAuthRejected) {
			return err
		}
	}
	return err
}

// CreateMeetingWithRetry provisions a meeting with bounded retry on the
// requested provider, then falls back to the registry default. The returned
// provider name tells the caller which adapter actually served the meeting.
func CreateMeetingWithRetry(ctx context.Context, reg *Registry, providerName string, maxAttempts int, req CreateMeetingRequest) (string, *MeetingInfo, error) {
	p, err := reg.Get(providerName)
	if err != nil {
		return "", nil, err
	}

	var info *MeetingInfo
	err = withRetry(ctx, maxAttempts, func() error {
		var ferr error
		info, ferr = p.CreateMeeting(ctx, req)
		return ferr
	})
	if err == nil {
		return p.Name(), info, nil
	}
	if !errors.Is(err, ErrProviderUnavailable) {
		return "", nil, err
	}

	fallback := reg.Default()
	if fallback.Name() == p.Name() {
		return "", nil, err
	}
	info, ferr := fallback.CreateMeeting(ctx, req)
	if ferr != nil {
		return "", nil, err // surface the original failure
	}
	return fallback.Name(), info, nil
}
