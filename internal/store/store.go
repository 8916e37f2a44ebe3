// Package store implements the Subscription Store: a durable,
// bbolt-backed mapping from subscription uuid to the Web Push
// subscription it targets, plus its delete token and creation time.
package store

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/kenneth/webhook-relay/internal/apierr"
)

var subscriptionsBucket = []byte("subscriptions")

const (
	p256dhLen  = 65
	authLen    = 16
	uuidHexLen = 12
	tokenBytes = 16
	maxEndpointLen = 2048
)

// Subscription is the durable record described in spec §3.
type Subscription struct {
	UUID        string    `json:"uuid"`
	Endpoint    string    `json:"endpoint"`
	P256DH      []byte    `json:"p256dh"`
	Auth        []byte    `json:"auth"`
	DeleteToken string    `json:"delete_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSubscription carries the caller-supplied fields for Create;
// UUID, DeleteToken, and CreatedAt are generated by the store.
type NewSubscription struct {
	Endpoint string
	P256DH   []byte
	Auth     []byte
}

// HostAllowlist reports whether a push endpoint host is acceptable.
// Implemented by internal/config.Config.
type HostAllowlist interface {
	HostAllowed(host string) bool
}

// Store is the Subscription Store (§4.1).
type Store struct {
	db        *bbolt.DB
	allowlist HostAllowlist
}

// Open opens (creating if necessary) the bbolt file at path and
// ensures the subscriptions bucket exists.
func Open(path string, allowlist HostAllowlist) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating bucket: %w", err)
	}
	return &Store{db: db, allowlist: allowlist}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

func validate(ns NewSubscription) error {
	if len(ns.P256DH) != p256dhLen {
		return apierr.InvalidSubscription(fmt.Sprintf("p256dh must decode to %d bytes", p256dhLen))
	}
	if len(ns.Auth) != authLen {
		return apierr.InvalidSubscription(fmt.Sprintf("auth must decode to %d bytes", authLen))
	}
	if len(ns.Endpoint) > maxEndpointLen {
		return apierr.InvalidSubscription("endpoint too long")
	}
	u, err := url.Parse(ns.Endpoint)
	if err != nil {
		return apierr.InvalidSubscription("endpoint is not a valid URI")
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" {
		return apierr.InvalidSubscription("endpoint must be https")
	}
	return nil
}

// Create validates ns, generates a uuid and delete token, and
// durably writes the subscription. Returns apierr.KindInvalidSubscription
// on validation failure.
func (s *Store) Create(ns NewSubscription) (*Subscription, error) {
	if err := validate(ns); err != nil {
		return nil, err
	}
	u, _ := url.Parse(ns.Endpoint)
	if s.allowlist != nil && !s.allowlist.HostAllowed(u.Hostname()) {
		return nil, apierr.InvalidSubscription("endpoint host is not in the push-service allowlist")
	}

	sub := &Subscription{
		Endpoint:  ns.Endpoint,
		P256DH:    ns.P256DH,
		Auth:      ns.Auth,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		for attempt := 0; attempt < 8; attempt++ {
			id, err := randomUUID()
			if err != nil {
				return err
			}
			if b.Get([]byte(id)) != nil {
				continue // collision, retry (negligible probability)
			}
			token, err := randomToken()
			if err != nil {
				return err
			}
			sub.UUID = id
			sub.DeleteToken = token
			data, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			return b.Put([]byte(id), data)
		}
		return fmt.Errorf("store: exhausted uuid collision retries")
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns the subscription for uuid, or (nil, nil) if absent.
func (s *Store) Get(uuid string) (*Subscription, error) {
	var sub *Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		data := b.Get([]byte(uuid))
		if data == nil {
			return nil
		}
		sub = &Subscription{}
		return json.Unmarshal(data, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes the subscription for uuid after a constant-time
// comparison of token against the stored delete token.
func (s *Store) Delete(uuid, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		data := b.Get([]byte(uuid))
		if data == nil {
			return apierr.NotFound("unknown subscription")
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(sub.DeleteToken), []byte(token)) != 1 {
			return apierr.AuthMismatch("delete token mismatch")
		}
		return b.Delete([]byte(uuid))
	})
}

// DeleteUnchecked removes a subscription without token verification,
// used by delivery workers on permanent push failure. TTL expiry goes
// through PurgeExpired instead.
func (s *Store) DeleteUnchecked(uuid string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Delete([]byte(uuid))
	})
}

// PurgeExpired deletes every subscription whose CreatedAt+ttl is
// before now, returning the count removed. Idempotent: a second call
// back-to-back removes nothing further.
func (s *Store) PurgeExpired(now time.Time, ttl time.Duration) (int, error) {
	var expired [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		return b.ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return nil // skip corrupt record rather than abort the purge
			}
			if sub.CreatedAt.Add(ttl).Before(now) {
				key := append([]byte(nil), k...)
				expired = append(expired, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// randomUUID derives the short, URL-safe subscription id from a
// standard random UUID (v4), keeping the same collision-retry contract
// Create already implements while drawing randomness from a vetted
// UUID generator rather than hand-rolling hex truncation.
func randomUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", "")[:uuidHexLen], nil
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
