package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "apimbilling:session:"

// Session hash fields.
const (
	FieldEmail         = "email"
	FieldName          = "name"
	FieldServiceName   = "apim_service_name"
	FieldResourceGroup = "apim_resource_group"
	FieldFlashSuccess  = "flash_success"
	FieldFlashError    = "flash_error"
)

// ErrSessionUnavailable wraps Redis failures.
var ErrSessionUnavailable = errors.New("session store unavailable")

// SessionData is one web session. Flash fields are consumed by Load.
type SessionData struct {
	Email         string `redis:"email"`
	Name          string `redis:"name"`
	ServiceName   string `redis:"apim_service_name"`
	ResourceGroup string `redis:"apim_resource_group"`
	FlashSuccess  string `redis:"flash_success"`
	FlashError    string `redis:"flash_error"`
}

// SignedIn reports whether the session carries a customer email.
func (d SessionData) SignedIn() bool {
	return d.Email != ""
}

// SessionStore keeps sessions as Redis hashes with a sliding TTL.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Load returns the session and refreshes its TTL. Flash messages are
// removed in the same transaction, so each is shown once. found is false
// when the session does not exist or has expired.
func (s *SessionStore) Load(ctx context.Context, id string) (data SessionData, found bool, err error) {
	key := sessionKey(id)

	var all *redis.MapStringStringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, key)
		pipe.HDel(ctx, key, FieldFlashSuccess, FieldFlashError)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return SessionData{}, false, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if len(all.Val()) == 0 {
		return SessionData{}, false, nil
	}
	if err := all.Scan(&data); err != nil {
		return SessionData{}, false, fmt.Errorf("%w: decode session: %v", ErrSessionUnavailable, err)
	}
	return data, true, nil
}

// Set writes fields into the session and refreshes its TTL.
func (s *SessionStore) Set(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	key := sessionKey(id)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// Flash stores a one-shot success message.
func (s *SessionStore) Flash(ctx context.Context, id, message string) error {
	return s.Set(ctx, id, map[string]string{FieldFlashSuccess: message})
}

// FlashError stores a one-shot error message.
func (s *SessionStore) FlashError(ctx context.Context, id, message string) error {
	return s.Set(ctx, id, map[string]string{FieldFlashError: message})
}

// Delete removes the session. A missing session is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// TTL returns the idle lifetime of a session.
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}
