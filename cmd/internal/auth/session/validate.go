package session

import (
	"errors"
	"strings"
)

var errBadRow = errors.New("session: token hash, identity id and expiry are required")

func validateRow(row Row) error {
	if strings.TrimSpace(row.TokenHash) == "" || strings.TrimSpace(row.IdentityID) == "" || row.ExpiresAt.IsZero() {
		return errBadRow
	}
	return nil
}
