package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

// Service authenticates API tokens against bcrypt hashes configured per
// user. Tokens are compared against the hash of the claimed user only, so
// the cost of a lookup stays at one bcrypt comparison.
type Service struct {
	hashes map[string]string
	logger zerolog.Logger
}

// NewService parses "user:bcrypt-hash" entries, comma separated.
func NewService(entries string, logger zerolog.Logger) (*Service, error) {
	hashes := make(map[string]string)
	for _, entry := range strings.Split(entries, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		userID, hash, ok := strings.Cut(entry, ":")
		if !ok || userID == "" || !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("malformed token entry %q", entry)
		}
		hashes[userID] = hash
	}
	return &Service{
		hashes: hashes,
		logger: logger.With().Str("service", "auth").Logger(),
	}, nil
}

// decoyHash keeps the rejection path for unknown users as slow as the
// path for known ones.
var decoyHash = func() []byte {
	b, err := bcrypt.GenerateFromPassword([]byte("decoy"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return b
}()

// Authenticate verifies the token for the claimed user.
func (s *Service) Authenticate(userID, token string) error {
	hash, ok := s.hashes[userID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(token))
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		s.logger.Warn().Str("user_id", userID).Msg("token rejected")
		return ErrUnauthorized
	}
	return nil
}

// Users lists configured user ids, for startup validation.
func (s *Service) Users() []string {
	out := make([]string, 0, len(s.hashes))
	for id := range s.hashes {
		out = append(out, id)
	}
	return out
}

// HashToken produces a bcrypt hash suitable for the token configuration.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
