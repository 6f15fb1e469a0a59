package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/folio"
	"github.com/gestaozabele/bitacora/internal/roles"
	"github.com/gestaozabele/bitacora/internal/util"
)

var (
	// ErrUnauthenticated indica chamada sem identidade.
	ErrUnauthenticated = errors.New("autenticação obrigatória")
	// ErrPermission indica papel sem acesso ou recurso de outro autor.
	ErrPermission = errors.New("permissão negada")
	// ErrNotFound indica relatório inexistente.
	ErrNotFound = errors.New("relatório não encontrado")
)

// ValidationError carrega a primeira violação encontrada.
type ValidationError = util.ValidationError

// Caller é a identidade já autenticada de quem chama.
type Caller struct {
	UID        uuid.UUID
	Email      string
	Role       roles.Role
	Authorized bool
}

// EffectiveRole trata perfis não autorizados como pendentes.
func (c *Caller) EffectiveRole() roles.Role {
	if c == nil || !c.Authorized {
		return roles.Pending
	}
	return c.Role
}

// IncidentRow é a linha bruta de reportes_incidencia.
type IncidentRow struct {
	ID        uuid.UUID
	Folio     *string
	UID       *uuid.UUID
	Plain     []byte
	Cipher    *envelope.Envelope
	Categoria *string
	Estado    string
}

// NewIncident é a submissão bruta, em claro ou já cifrada pelo cliente.
type NewIncident struct {
	UID    uuid.UUID
	Plain  []byte
	Cipher *envelope.Envelope
}

// IncidentUpdate é o resultado da ingestão gravado na mesma transação do folio.
type IncidentUpdate struct {
	Folio       string
	Cipher      envelope.Envelope
	Categoria   string
	Fecha       time.Time
	ProcessedAt time.Time
	Audit       AuditFact
}

// AuditFact é a entrada de auditoria gravada junto com a atualização.
type AuditFact struct {
	Actor  string
	Fact   string
	Detail map[string]any
}

// ProcessFunc recebe a linha travada e o contador da transação. Devolver
// nil encerra sem escrita.
type ProcessFunc func(ctx context.Context, row IncidentRow, counter folio.Counter) (*IncidentUpdate, error)

// Notification é o aviso gerado para categorias prioritárias.
type Notification struct {
	ReportID      uuid.UUID `json:"reportId"`
	Categoria     string    `json:"categoria"`
	Prioridad     string    `json:"prioridad"`
	Destinatarios []string  `json:"destinatarios"`
	Estado        string    `json:"estado"`
}

// IncidentStore persiste incidências estruturadas e suas notificações.
type IncidentStore interface {
	GetIncident(ctx context.Context, id uuid.UUID) (IncidentRow, error)
	InsertIncident(ctx context.Context, in NewIncident) (uuid.UUID, error)
	DeleteIncident(ctx context.Context, id uuid.UUID) error
	ProcessIncident(ctx context.Context, id uuid.UUID, fn ProcessFunc) error
	InsertNotification(ctx context.Context, n Notification) (bool, error)
	MarkNotificationSent(ctx context.Context, reportID uuid.UUID) error
}

// Author identifica quem criou um relatório de guarda.
type Author struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// GuardianRecord é a linha persistida de reportes_guardia.
type GuardianRecord struct {
	ID               uuid.UUID
	UID              uuid.UUID
	Envelope         envelope.Envelope
	RecordedAt       time.Time
	RoleVisibility   []string
	CreatedBy        Author
	VoiceDurationSec *int
	CreatedAt        time.Time
}

// Scope limita a listagem conforme o papel de quem consulta.
type Scope struct {
	All    bool
	Author *uuid.UUID
	Role   roles.Role
	Limit  int
}

// GuardianStore persiste relatórios de guarda.
type GuardianStore interface {
	InsertGuardian(ctx context.Context, rec GuardianRecord) error
	ListGuardian(ctx context.Context, scope Scope) ([]GuardianRecord, error)
	GuardianAuthor(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	DeleteGuardian(ctx context.Context, id uuid.UUID) error
}
