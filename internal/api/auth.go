package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/bcrypt"
)

// Event Grid webhooks carry their shared key in either place.
const (
	webhookKeyParam  = "code"
	webhookKeyHeader = "aeg-sas-key"
)

const verifiedKeyTTL = 5 * time.Minute

type keyChecker struct {
	hash     []byte
	verified *ttlcache.Cache[string, struct{}] // sha256 of keys that matched hash
}

func newKeyChecker(hash string, ttl time.Duration) *keyChecker {
	if hash == "" {
		return nil
	}
	k := &keyChecker{
		hash: []byte(hash),
		verified: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
	go k.verified.Start()
	return k
}

func (k *keyChecker) stop() {
	if k != nil {
		k.verified.Stop()
	}
}

// check compares key against the bcrypt hash. Keys that matched recently
// skip bcrypt.
func (k *keyChecker) check(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	if k.verified.Get(digest) != nil {
		return true
	}
	if bcrypt.CompareHashAndPassword(k.hash, []byte(key)) != nil {
		return false
	}
	k.verified.Set(digest, struct{}{}, ttlcache.DefaultTTL)
	return true
}

// HashWebhookKey produces the value for ingest.key_hash.
func HashWebhookKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *API) requireWebhookKey(next http.Handler) http.Handler {
	if a.keys == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get(webhookKeyParam)
		if key == "" {
			key = r.Header.Get(webhookKeyHeader)
		}
		if !a.keys.check(key) {
			a.log.Warn("webhook key rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
