package postgres

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// IsRetryable reports whether err is a PostgreSQL abort that succeeds when the
// whole transaction is run again
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	switch string(pqErr.Code) {
	case pqSerializationFailure, pqDeadlockDetected:
		return true
	default:
		return false
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// prefixPattern returns a LIKE pattern matching every strict descendant of path
func prefixPattern(path string) string {
	return likeEscaper.Replace(path) + "/%"
}
