package identity

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher はパスワードの一方向ハッシュ化と照合のインターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher はbcryptによるPasswordHasherの実装。
// bcryptはハッシュごとにランダムなソルトを埋め込む。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。cost<=0の場合はbcrypt.DefaultCostを使う。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash はパスワードをハッシュ化する。
func (h *BcryptHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare はハッシュとパスワードを照合する。不一致の場合はエラーを返す。
func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
