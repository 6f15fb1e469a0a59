package visibility

import (
	"sort"

	"github.com/gestaozabele/bitacora/internal/roles"
)

// Set é o conjunto de papéis que podem ler um relatório.
type Set map[roles.Role]struct{}

// Resolve calcula a visibilidade de um relatório novo. Papéis pedidos são
// normalizados; sem pedido vale o padrão do autor. Só destinatários
// permitidos entram, e o autor e o admin entram sempre.
func Resolve(requested []string, author roles.Role) Set {
	var candidates []roles.Role
	if len(requested) == 0 {
		candidates = roles.Defaults(author)
	} else {
		candidates = make([]roles.Role, 0, len(requested))
		for _, value := range requested {
			candidates = append(candidates, roles.Normalize(value))
		}
	}

	set := make(Set, len(candidates)+2)
	for _, role := range candidates {
		if roles.IsRecipient(role) {
			set[role] = struct{}{}
		}
	}
	set[author] = struct{}{}
	set[roles.Admin] = struct{}{}
	return set
}

// Has informa se o papel está no conjunto.
func (s Set) Has(role roles.Role) bool {
	_, ok := s[role]
	return ok
}

// Strings devolve o conjunto ordenado, no formato persistido.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for role := range s {
		out = append(out, string(role))
	}
	sort.Strings(out)
	return out
}
