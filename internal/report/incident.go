package report

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gestaozabele/bitacora/internal/roles"
	"github.com/gestaozabele/bitacora/internal/util"
)

// Categorías canónicas de incidencia.
const (
	CategoriaIncidencia  = "incidencia"
	CategoriaSeguimiento = "seguimiento"
	CategoriaConducta    = "conducta"
	CategoriaSalud       = "salud"
	CategoriaAcoso       = "acoso"
	CategoriaOtro        = "otro"
)

// Categorias lista o conjunto canônico na ordem de exibição.
var Categorias = []string{
	CategoriaIncidencia,
	CategoriaSeguimiento,
	CategoriaConducta,
	CategoriaSalud,
	CategoriaAcoso,
	CategoriaOtro,
}

// Prioridades de notificação.
const (
	PrioridadAlta  = "alta"
	PrioridadMedia = "media"
)

// Route define prioridade e destinatários de uma categoria notificável.
type Route struct {
	Prioridad     string
	Destinatarios []roles.Role
}

var routes = map[string]Route{
	CategoriaIncidencia:  {PrioridadAlta, []roles.Role{roles.Admin, roles.Guidance, roles.Prefect}},
	CategoriaAcoso:       {PrioridadAlta, []roles.Role{roles.Admin, roles.Guidance, roles.SocialWork}},
	CategoriaSalud:       {PrioridadAlta, []roles.Role{roles.Admin, roles.Medical}},
	CategoriaSeguimiento: {PrioridadMedia, []roles.Role{roles.Guidance}},
	CategoriaConducta:    {PrioridadMedia, []roles.Role{roles.Guidance, roles.Prefect}},
}

// RouteFor devolve a rota de notificação; categorias fora da tabela não notificam.
func RouteFor(categoria string) (Route, bool) {
	r, ok := routes[strings.ToLower(strings.TrimSpace(categoria))]
	return r, ok
}

// Routes devolve uma cópia da tabela categoria→rota.
func Routes() map[string]Route {
	out := make(map[string]Route, len(routes))
	for k, v := range routes {
		out[k] = Route{Prioridad: v.Prioridad, Destinatarios: append([]roles.Role(nil), v.Destinatarios...)}
	}
	return out
}

// ValidCategoria informa se a categoria pertence ao conjunto canônico.
func ValidCategoria(c string) bool {
	for _, known := range Categorias {
		if c == known {
			return true
		}
	}
	return false
}

// Limites dos campos da incidência estruturada.
const (
	TituloMin       = 3
	TituloMax       = 120
	DescripcionMin  = 10
	DescripcionMax  = 2000
	LugarMax        = 200
	InvolucradosMax = 50
	InvolucradoMax  = 120
	AccionesMax     = 2000
	AlumnoMax       = 120
	GrupoMax        = 60

	DefaultLugar    = "Sin especificar"
	DefaultAcciones = "Sin acciones registradas"
)

func init() {
	util.RegisterValidation("categoria", func(fl validator.FieldLevel) bool {
		return ValidCategoria(fl.Field().String())
	})
}

// IncidentDraft é o conteúdo secreto de uma incidência estruturada. As tags
// repetem as constantes acima; TestDraftTagsMatchBounds confere.
type IncidentDraft struct {
	Titulo       string   `json:"titulo" validate:"required,min=3,max=120"`
	Descripcion  string   `json:"descripcion" validate:"required,min=10,max=2000"`
	Categoria    string   `json:"categoria" validate:"required,categoria"`
	Fecha        string   `json:"fecha" validate:"required,fecha"`
	Lugar        string   `json:"lugar" validate:"max=200"`
	Involucrados []string `json:"involucrados" validate:"max=50,dive,max=120"`
	Acciones     string   `json:"acciones" validate:"max=2000"`
	Alumno       string   `json:"alumno,omitempty" validate:"max=120"`
	Grupo        string   `json:"grupo,omitempty" validate:"max=60"`
}

// Normalize apara espaços e preenche os opcionais ausentes.
func (d IncidentDraft) Normalize() IncidentDraft {
	d.Titulo = strings.TrimSpace(d.Titulo)
	d.Descripcion = strings.TrimSpace(d.Descripcion)
	d.Categoria = strings.ToLower(strings.TrimSpace(d.Categoria))
	d.Fecha = strings.TrimSpace(d.Fecha)
	d.Lugar = strings.TrimSpace(d.Lugar)
	d.Acciones = strings.TrimSpace(d.Acciones)
	d.Alumno = strings.TrimSpace(d.Alumno)
	d.Grupo = strings.TrimSpace(d.Grupo)

	if d.Lugar == "" {
		d.Lugar = DefaultLugar
	}
	if d.Acciones == "" {
		d.Acciones = DefaultAcciones
	}
	involucrados := make([]string, 0, len(d.Involucrados))
	for _, name := range d.Involucrados {
		if name = strings.TrimSpace(name); name != "" {
			involucrados = append(involucrados, name)
		}
	}
	d.Involucrados = involucrados
	return d
}

// Validate devolve a primeira violação como *ValidationError.
func (d IncidentDraft) Validate() error {
	return util.ValidateStruct(d)
}
