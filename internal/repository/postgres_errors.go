package repository

import (
	"errors"

	"github.com/lib/pq"

	"github.com/hitoshi/garage/internal/model"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pqUniqueViolation = "23505"

// uniqueViolationConstraint は一意制約違反であれば違反した制約名を返す。
func uniqueViolationConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

// bandDuplicateError はbandsテーブルの制約名から重複エラーを組み立てる。
func bandDuplicateError(constraint string) *model.APIError {
	if constraint == "bands_email_lower_idx" {
		return model.NewDuplicateEmailError()
	}
	return model.NewDuplicateUsernameError()
}
