package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	// IDTypeTask identifies one processing attempt; it is the lease owner id.
	IDTypeTask IDType = "task"
	// IDTypeWorker identifies a daemon instance.
	IDTypeWorker IDType = "wrk"
)

var idRegex = regexp.MustCompile(`^(task|wrk)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) string {
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), uuid.NewString()[:8])
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
