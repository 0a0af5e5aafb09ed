// Package auth implements the token authority for CarePipe.
//
// It issues and verifies the signed capability tokens that authenticate both
// caregiver accounts and paired devices. Tokens follow the fixed grammar
// "<subjectId>-<index>.<signature>" where the signature is a SHA3-256 digest
// over a constant, the payload and a shared secret. Verification is served
// entirely from an in-memory per-subject index warmed from storage at
// startup, so the hot path never touches the database.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// signatureConstant is mixed into every signature ahead of the payload.
const signatureConstant = "8f3c40ab91e2d57c0b64a118fe2d9c03"

// TokenStore is the persistence surface the authority needs. Implemented by
// the store package.
type TokenStore interface {
	SaveToken(ctx context.Context, record models.TokenRecord) error
	DeleteToken(ctx context.Context, token string) error
	DeleteTokensForSubject(ctx context.Context, subjectID string) error
	ListTokens(ctx context.Context) ([]models.TokenRecord, error)
}

// Opts holds configuration options for the token authority.
type Opts struct {
	Secret string
}

// Option defines a configuration option for the token authority.
type Option func(*Opts)

// WithSecret sets the shared signing secret. When no secret is configured
// the authority fails closed: every verification is rejected.
func WithSecret(secret string) Option {
	return func(o *Opts) {
		o.Secret = secret
	}
}

// Authority issues, verifies and revokes signed capability tokens.
type Authority struct {
	store  TokenStore
	secret string

	mu     sync.RWMutex
	tokens map[string][]string // subjectID -> tokens ordered by sequence index
}

// NewAuthority creates a token authority backed by the given store.
func NewAuthority(store TokenStore, opts ...Option) *Authority {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Secret == "" {
		slog.Warn("Authority created without signing secret; all verifications will fail closed")
	}
	return &Authority{
		store:  store,
		secret: cfg.Secret,
		tokens: make(map[string][]string),
	}
}

// parsedToken gives access to the components of a token string.
type parsedToken struct {
	subjectID string
	index     int
	signature string
}

// parseToken splits a token along the fixed grammar. A missing delimiter or
// a non-numeric index yields an error, never a panic.
func parseToken(token string) (parsedToken, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || signature == "" {
		return parsedToken{}, fmt.Errorf("token missing signature delimiter")
	}
	subjectID, indexStr, ok := strings.Cut(payload, "-")
	if !ok || subjectID == "" {
		return parsedToken{}, fmt.Errorf("token missing subject delimiter")
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		return parsedToken{}, fmt.Errorf("token sequence index is not numeric: %w", err)
	}
	return parsedToken{subjectID: subjectID, index: index, signature: signature}, nil
}

func (p parsedToken) payload() string {
	return fmt.Sprintf("%s-%d", p.subjectID, p.index)
}

// sign computes the signature for a token payload.
func (a *Authority) sign(payload string) string {
	sum := sha3.Sum256([]byte(signatureConstant + payload + a.secret))
	return hex.EncodeToString(sum[:])
}

// nextIndex returns the next sequence index for a subject. Caller must hold
// the lock. Tokens per subject are kept ordered, so the last entry carries
// the highest index.
func (a *Authority) nextIndex(subjectID string) int {
	existing := a.tokens[subjectID]
	if len(existing) == 0 {
		return 0
	}
	last, err := parseToken(existing[len(existing)-1])
	if err != nil {
		// A corrupt in-memory entry would break monotonicity; fall back to
		// counting, which can only over-allocate.
		slog.Error("Authority found unparseable stored token", "subject_id", subjectID, "error", err)
		return len(existing)
	}
	return last.index + 1
}

// LoadStoredTokens warms the in-memory index from persistent storage.
// Call once at startup before serving verifications.
func (a *Authority) LoadStoredTokens(ctx context.Context) error {
	slog.Info("Authority loading stored tokens")
	records, err := a.store.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored tokens: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = make(map[string][]string, len(records))
	for _, rec := range records {
		a.tokens[rec.SubjectID] = append(a.tokens[rec.SubjectID], rec.Token)
	}
	for subjectID, tokens := range a.tokens {
		sort.Slice(tokens, func(i, j int) bool {
			pi, erri := parseToken(tokens[i])
			pj, errj := parseToken(tokens[j])
			if erri != nil || errj != nil {
				return tokens[i] < tokens[j]
			}
			return pi.index < pj.index
		})
		a.tokens[subjectID] = tokens
	}
	slog.Info("Authority stored tokens loaded", "subjects", len(a.tokens), "tokens", len(records))
	return nil
}

// Issue creates, signs, persists and indexes a new token for the subject.
// Sequence indices are monotonically increasing per subject, so reconnecting
// clients can never collide with a previously issued token.
func (a *Authority) Issue(ctx context.Context, subjectID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	payload := fmt.Sprintf("%s-%d", subjectID, a.nextIndex(subjectID))
	token := payload + "." + a.sign(payload)

	if err := a.store.SaveToken(ctx, models.TokenRecord{Token: token, SubjectID: subjectID}); err != nil {
		slog.Error("Authority failed to persist token", "subject_id", subjectID, "error", err)
		return "", fmt.Errorf("failed to persist token: %w", err)
	}
	a.tokens[subjectID] = append(a.tokens[subjectID], token)
	slog.Debug("Authority issued token", "subject_id", subjectID)
	return token, nil
}

// Verify checks a token and returns the subject it authenticates.
// Every failure mode (malformed grammar, unknown token, bad signature,
// missing secret) yields models.ErrNotAuthenticated so callers never learn
// which part failed.
func (a *Authority) Verify(token string) (string, error) {
	if a.secret == "" {
		slog.Warn("Authority verification rejected: no signing secret configured")
		return "", models.ErrNotAuthenticated
	}
	parsed, err := parseToken(token)
	if err != nil {
		slog.Debug("Authority rejected malformed token", "error", err)
		return "", models.ErrNotAuthenticated
	}

	a.mu.RLock()
	known := false
	for _, t := range a.tokens[parsed.subjectID] {
		if t == token {
			known = true
			break
		}
	}
	a.mu.RUnlock()
	if !known {
		slog.Debug("Authority rejected unknown token", "subject_id", parsed.subjectID)
		return "", models.ErrNotAuthenticated
	}

	expected := a.sign(parsed.payload())
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parsed.signature)) != 1 {
		slog.Warn("Authority rejected token with bad signature", "subject_id", parsed.subjectID)
		return "", models.ErrNotAuthenticated
	}
	return parsed.subjectID, nil
}

// Revoke removes one token from the index and from storage.
func (a *Authority) Revoke(ctx context.Context, token, subjectID string) error {
	a.mu.Lock()
	existing := a.tokens[subjectID]
	kept := existing[:0:0]
	for _, t := range existing {
		if t != token {
			kept = append(kept, t)
		}
	}
	a.tokens[subjectID] = kept
	a.mu.Unlock()

	if err := a.store.DeleteToken(ctx, token); err != nil {
		slog.Error("Authority failed to delete token", "subject_id", subjectID, "error", err)
		return fmt.Errorf("failed to delete token: %w", err)
	}
	slog.Debug("Authority revoked token", "subject_id", subjectID)
	return nil
}

// RevokeAll removes every token for a subject, in memory and in storage.
func (a *Authority) RevokeAll(ctx context.Context, subjectID string) error {
	a.mu.Lock()
	delete(a.tokens, subjectID)
	a.mu.Unlock()

	if err := a.store.DeleteTokensForSubject(ctx, subjectID); err != nil {
		slog.Error("Authority failed to delete subject tokens", "subject_id", subjectID, "error", err)
		return fmt.Errorf("failed to delete tokens for subject: %w", err)
	}
	slog.Debug("Authority revoked all tokens", "subject_id", subjectID)
	return nil
}
