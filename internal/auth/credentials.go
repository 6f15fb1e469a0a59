package auth

import (
	"sync"

	"github.com/alexedwards/argon2id"
)

var params = &argon2id.Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hash gera um hash Argon2id com os parâmetros embutidos.
func Hash(password string) (string, error) {
	return argon2id.CreateHash(password, params)
}

// Verify compara a senha com o hash, lendo os parâmetros do próprio hash.
func Verify(password, encodedHash string) (bool, error) {
	return argon2id.ComparePasswordAndHash(password, encodedHash)
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// VerifyMissing gasta o mesmo tempo de uma verificação real quando o
// usuário não existe. Sempre devolve false.
func VerifyMissing(password string) bool {
	dummyOnce.Do(func() {
		dummyHash, _ = Hash("bitacora-usuario-inexistente")
	})
	if dummyHash != "" {
		_, _ = Verify(password, dummyHash)
	}
	return false
}
