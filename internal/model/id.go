package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var attemptIDRegex = regexp.MustCompile(`^att_[0-9]{10}_[0-9a-f]{8}$`)

// NewAttemptID generates a unique identifier for one publish attempt,
// embedding the attempt's unix timestamp.
func NewAttemptID() (string, error) {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return fmt.Sprintf("att_%010d_%s", time.Now().Unix(), hex.EncodeToString(randomBytes)), nil
}

// ValidAttemptID reports whether id has the attempt ID format.
func ValidAttemptID(id string) bool {
	return attemptIDRegex.MatchString(id)
}

// AttemptIDTime extracts the timestamp embedded in an attempt ID.
func AttemptIDTime(id string) (time.Time, error) {
	if !ValidAttemptID(id) {
		return time.Time{}, fmt.Errorf("invalid attempt ID format: %s", id)
	}
	ts, err := strconv.ParseInt(id[4:14], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
