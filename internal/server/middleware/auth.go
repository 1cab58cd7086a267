package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/stakecourt/internal/crypto"
	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// maxSignedBody bounds the body read for signature verification. Evidence
// uploads are larger and are hashed the same way, so the bound is generous.
const maxSignedBody = 32 << 20

type callerKey struct{}

// Caller returns the verified account attached by Signature.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// WithCaller attaches addr as the verified caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Signature verifies the X-Stake-* headers: the signature must recover to
// the claimed address and the timestamp must lie within maxSkew of now.
// With a guard, each signed message is accepted once; a resend inside the
// skew window is rejected. A nil guard skips that check.
func Signature(maxSkew time.Duration, now func() time.Time, guard domain.ReplayGuard) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := r.Header.Get(crypto.HeaderAddress)
			if !common.IsHexAddress(claimed) {
				writeError(w, http.StatusUnauthorized, "missing or malformed "+crypto.HeaderAddress)
				return
			}
			ts, err := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing or malformed "+crypto.HeaderTimestamp)
				return
			}
			if skew := now().Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
				writeError(w, http.StatusUnauthorized, "request timestamp outside allowed skew")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read body: "+err.Error())
				return
			}
			if len(body) > maxSignedBody {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			msg := crypto.RequestMessage(r.Method, r.URL.Path, ts, body)
			signer, err := crypto.RecoverSigner([]byte(msg), r.Header.Get(crypto.HeaderSignature))
			if err != nil || signer != common.HexToAddress(claimed) {
				writeError(w, http.StatusUnauthorized, "signature does not match "+crypto.HeaderAddress)
				return
			}
			if guard != nil {
				// Keyed on the signed content, not the signature bytes, so a
				// re-encoded signature of the same request is still a replay.
				key := ethcrypto.Keccak256Hash(signer.Bytes(), []byte(msg)).Hex()
				fresh, err := guard.Remember(r.Context(), key, 2*maxSkew)
				if err != nil {
					writeError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
				if !fresh {
					writeError(w, http.StatusUnauthorized, "signed request already used")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), signer)))
		})
	}
}

// APIKey guards operator endpoints with a static key sent as a Bearer token
// or X-API-Key. An empty key rejects every request.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if apiKey == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
