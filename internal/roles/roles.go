package roles

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Role é o papel canônico de um perfil. O conjunto é fechado.
type Role string

const (
	Admin      Role = "admin"
	Teacher    Role = "teacher"
	Guidance   Role = "guidance"
	Prefect    Role = "prefect"
	Medical    Role = "medical"
	SocialWork Role = "socialWork"
	Clerk      Role = "clerk"
	Pending    Role = "pending"
)

// All lista os papéis em ordem estável.
var All = []Role{Admin, Teacher, Guidance, Prefect, Medical, SocialWork, Clerk, Pending}

// aliases mapeia a forma dobrada (minúscula, sem acento, sem separadores)
// para o papel canônico.
var aliases = map[string]Role{
	"admin":             Admin,
	"administrador":     Admin,
	"administradora":    Admin,
	"administrator":     Admin,
	"direccion":         Admin,
	"director":          Admin,
	"directora":         Admin,
	"teacher":           Teacher,
	"docente":           Teacher,
	"maestro":           Teacher,
	"maestra":           Teacher,
	"profesor":          Teacher,
	"profesora":         Teacher,
	"profe":             Teacher,
	"guidance":          Guidance,
	"orientacion":       Guidance,
	"orientador":        Guidance,
	"orientadora":       Guidance,
	"psicologia":        Guidance,
	"psicologo":         Guidance,
	"psicologa":         Guidance,
	"prefect":           Prefect,
	"prefecto":          Prefect,
	"prefecta":          Prefect,
	"prefectura":        Prefect,
	"medical":           Medical,
	"medico":            Medical,
	"medica":            Medical,
	"enfermeria":        Medical,
	"enfermero":         Medical,
	"enfermera":         Medical,
	"socialwork":        SocialWork,
	"socialworker":      SocialWork,
	"trabajosocial":     SocialWork,
	"trabajadorsocial":  SocialWork,
	"trabajadorasocial": SocialWork,
	"clerk":             Clerk,
	"administrativo":    Clerk,
	"administrativa":    Clerk,
	"secretaria":        Clerk,
	"secretario":        Clerk,
	"control":           Clerk,
	"controlescolar":    Clerk,
	"pending":           Pending,
	"pendiente":         Pending,
}

// Normalize converte qualquer texto livre num papel canônico. Valores
// desconhecidos viram Pending.
func Normalize(value string) Role {
	if role, ok := aliases[fold(value)]; ok {
		return role
	}
	return Pending
}

func fold(value string) string {
	decomposed := norm.NFD.String(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
		case unicode.IsSpace(r), r == '_', r == '-', r == '.':
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// String implementa fmt.Stringer.
func (r Role) String() string { return string(r) }

// Valid informa se o valor pertence ao conjunto fechado.
func (r Role) Valid() bool {
	for _, candidate := range All {
		if r == candidate {
			return true
		}
	}
	return false
}

// ReportVisibilityDefaults define quem lê um relatório quando o autor não escolhe.
var ReportVisibilityDefaults = map[Role][]Role{
	Admin:      {Guidance},
	Teacher:    {Guidance, Prefect},
	Guidance:   {Guidance, SocialWork},
	Prefect:    {Prefect, Guidance},
	Medical:    {Medical, Guidance},
	SocialWork: {SocialWork, Guidance},
	Clerk:      {},
	Pending:    {},
}

var allowedRecipients = map[Role]bool{
	Admin:      true,
	Guidance:   true,
	Prefect:    true,
	Medical:    true,
	SocialWork: true,
}

var allowedReporters = map[Role]bool{
	Admin:      true,
	Teacher:    true,
	Guidance:   true,
	Prefect:    true,
	Medical:    true,
	SocialWork: true,
}

// IsRecipient informa se o papel pode constar na visibilidade de um relatório.
func IsRecipient(r Role) bool { return allowedRecipients[r] }

// IsReporter informa se o papel pode registrar relatórios de guarda.
func IsReporter(r Role) bool { return allowedReporters[r] }

// Defaults devolve uma cópia da visibilidade padrão do autor.
func Defaults(author Role) []Role {
	return append([]Role(nil), ReportVisibilityDefaults[author]...)
}

// Assignable informa se o papel pode ser concedido a um perfil aprovado.
// Admin só é atribuível quando allowAdmin é verdadeiro.
func Assignable(r Role, allowAdmin bool) bool {
	switch r {
	case Pending:
		return false
	case Admin:
		return allowAdmin
	default:
		return r.Valid()
	}
}

// OwnRecordsOnly indica o papel de menor confiança, que só lista o que escreveu.
func OwnRecordsOnly(r Role) bool { return r == Teacher }
