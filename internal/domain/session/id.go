package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"time"
)

// MaxIDAge is how long a session identifier stays valid.
const MaxIDAge = 24 * time.Hour

const (
	idPrefix     = "session_"
	idRandomLen  = 9
	base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var idPattern = regexp.MustCompile(`^session_(\d{10,16})_([a-z0-9]{9})$`)

var (
	// ErrMalformedID is returned when an identifier does not match session_<ms>_<random>.
	ErrMalformedID = errors.New("malformed session identifier")
	// ErrIDExpired is returned when an identifier is older than MaxIDAge.
	ErrIDExpired = errors.New("session identifier expired")
)

// NewID returns a fresh identifier of the form session_<unix-ms>_<random>.
func NewID(now time.Time) (string, error) {
	buf := make([]byte, idRandomLen)
	max := big.NewInt(int64(len(base36Digits)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate session id: %w", err)
		}
		buf[i] = base36Digits[n.Int64()]
	}
	return fmt.Sprintf("%s%d_%s", idPrefix, now.UnixMilli(), buf), nil
}

// IssuedAt extracts the creation time embedded in id.
func IssuedAt(id string) (time.Time, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, ErrMalformedID
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, ErrMalformedID
	}
	return time.UnixMilli(ms), nil
}

// ValidateID checks that id is well formed and not older than MaxIDAge at now.
func ValidateID(id string, now time.Time) error {
	issued, err := IssuedAt(id)
	if err != nil {
		return err
	}
	if now.Sub(issued) > MaxIDAge {
		return ErrIDExpired
	}
	return nil
}
