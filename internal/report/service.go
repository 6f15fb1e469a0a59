package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/folio"
	"github.com/gestaozabele/bitacora/internal/metrics"
	"github.com/gestaozabele/bitacora/internal/notify"
	"github.com/gestaozabele/bitacora/internal/roles"
	"github.com/gestaozabele/bitacora/internal/util"
	"github.com/gestaozabele/bitacora/internal/visibility"
)

const (
	entityIncident = "reportes_incidencia"
	entityGuardian = "reportes_guardia"

	actorSistema = "sistema"

	defaultConcurrency = 8
	defaultListLimit   = 500
)

// Publisher entrega eventos fora da requisição.
type Publisher interface {
	PublishAsync(ctx context.Context, ev events.Event)
}

// Options ajusta o serviço.
type Options struct {
	// Concurrency limita quantos envelopes são abertos em paralelo na listagem.
	Concurrency int
	// ListLimit limita quantos registros uma listagem lê.
	ListLimit int
	// PublishOnSubmit publica incident.created no próprio SubmitIncident.
	// Fica falso quando um listener do Postgres já entrega o evento.
	PublishOnSubmit bool
}

// Service é o pipeline de ingestão e leitura de relatórios.
type Service struct {
	incidents IncidentStore
	guardian  GuardianStore
	codec     *envelope.Codec
	sequencer folio.Sequencer
	audit     audit.Recorder
	notifier  notify.Notifier
	events    Publisher
	opts      Options
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(
	incidents IncidentStore,
	guardian GuardianStore,
	codec *envelope.Codec,
	sequencer folio.Sequencer,
	recorder audit.Recorder,
	notifier notify.Notifier,
	publisher Publisher,
	opts Options,
	logger zerolog.Logger,
) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = defaultListLimit
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		incidents: incidents,
		guardian:  guardian,
		codec:     codec,
		sequencer: sequencer,
		audit:     recorder,
		notifier:  notifier,
		events:    publisher,
		opts:      opts,
		now:       time.Now,
		logger:    logger,
	}
}

// Register assina os gatilhos de criação de incidência.
func (s *Service) Register(bus *events.Bus) {
	bus.Subscribe(events.IncidentCreated, "report.ingest", s.onIncident(s.IngestIncident))
	bus.Subscribe(events.IncidentCreated, "report.notify", s.onIncident(s.NotifyIncident))
}

func (s *Service) onIncident(fn func(context.Context, uuid.UUID) error) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		id, err := uuid.Parse(ev.ID)
		if err != nil {
			return fmt.Errorf("id de incidência inválido %q: %w", ev.ID, err)
		}
		return fn(ctx, id)
	}
}

// SubmitIncident grava a incidência bruta e dispara a ingestão.
func (s *Service) SubmitIncident(ctx context.Context, caller *Caller, raw NewIncident) (uuid.UUID, error) {
	if caller == nil || caller.UID == uuid.Nil {
		return uuid.Nil, ErrUnauthenticated
	}
	if !roles.IsReporter(caller.EffectiveRole()) {
		return uuid.Nil, ErrPermission
	}
	if len(raw.Plain) == 0 && (raw.Cipher == nil || raw.Cipher.IsZero()) {
		return uuid.Nil, &ValidationError{Field: "payload", Rule: "required", Message: "payload obrigatório"}
	}
	raw.UID = caller.UID

	id, err := s.incidents.InsertIncident(ctx, raw)
	if err != nil {
		return uuid.Nil, err
	}
	if s.opts.PublishOnSubmit && s.events != nil {
		s.events.PublishAsync(ctx, events.Event{Topic: events.IncidentCreated, ID: id.String()})
	}
	return id, nil
}

// IngestIncident valida, normaliza, cifra e numera a incidência bruta.
// Linhas já numeradas são ignoradas.
func (s *Service) IngestIncident(ctx context.Context, id uuid.UUID) error {
	log := s.logger.With().Str("report_id", id.String()).Logger()

	row, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug().Msg("incidência removida antes da ingestão")
			return nil
		}
		return err
	}
	if row.Folio != nil {
		return nil
	}

	if row.UID == nil || *row.UID == uuid.Nil {
		if err := s.incidents.DeleteIncident(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("descartar incidência sem autor: %w", err)
		}
		metrics.IngestRejected.WithLabelValues("sin_autor").Inc()
		s.audit.Record(ctx, audit.Entry{
			Entity:   entityIncident,
			EntityID: id.String(),
			Action:   audit.Discard,
			Actor:    actorSistema,
			Detail:   map[string]any{"motivo": "sin_autor"},
		})
		log.Warn().Msg("incidência sem autor descartada")
		return nil
	}
	uid := row.UID.String()

	draft, err := s.readIncident(ctx, row)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("descifrado").Inc()
		log.Error().Err(err).Msg("falha ao abrir incidência, ingestão abortada")
		return err
	}

	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		metrics.IngestRejected.WithLabelValues("validacion").Inc()
		s.audit.Record(ctx, audit.Entry{
			Entity:   entityIncident,
			EntityID: id.String(),
			Action:   audit.Reject,
			Actor:    uid,
			Detail:   map[string]any{"motivo": err.Error()},
		})
		log.Warn().Err(err).Msg("incidência rejeitada na validação")
		return err
	}
	fecha, _ := util.ParseFecha(draft.Fecha)

	var assigned string
	err = s.incidents.ProcessIncident(ctx, id, func(ctx context.Context, locked IncidentRow, counter folio.Counter) (*IncidentUpdate, error) {
		if locked.Folio != nil {
			return nil, nil
		}
		f, err := s.sequencer.Next(ctx, counter, folio.CounterName)
		if err != nil {
			return nil, err
		}
		env, err := s.codec.Encrypt(ctx, draft)
		if err != nil {
			return nil, err
		}
		assigned = f
		return &IncidentUpdate{
			Folio:       f,
			Cipher:      env,
			Categoria:   draft.Categoria,
			Fecha:       fecha,
			ProcessedAt: s.now().UTC(),
			Audit: AuditFact{
				Actor:  uid,
				Fact:   f,
				Detail: map[string]any{"folio": f, "categoria": draft.Categoria},
			},
		}, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("falha ao gravar incidência")
		return err
	}
	if assigned == "" {
		return nil
	}

	metrics.FoliosAssigned.Inc()
	metrics.ReportsStored.WithLabelValues("incidencia").Inc()
	log.Info().Str("folio", assigned).Str("uid", uid).Msg("incidência registrada")
	return nil
}

// readIncident abre o envelope do cliente ou lê o texto em claro.
func (s *Service) readIncident(ctx context.Context, row IncidentRow) (IncidentDraft, error) {
	var draft IncidentDraft
	if row.Cipher != nil && !row.Cipher.IsZero() {
		if err := s.codec.Decrypt(ctx, *row.Cipher, &draft); err != nil {
			metrics.DecryptFailures.Inc()
			return IncidentDraft{}, err
		}
		return draft, nil
	}
	if len(row.Plain) == 0 {
		return IncidentDraft{}, fmt.Errorf("%w: incidência sem conteúdo", envelope.ErrCrypto)
	}
	if err := json.Unmarshal(row.Plain, &draft); err != nil {
		return IncidentDraft{}, &ValidationError{Field: "payload", Rule: "json", Message: "payload inválido"}
	}
	return draft, nil
}

// NotifyIncident cria no máximo uma notificação por incidência, apenas para
// categorias da tabela de prioridades.
func (s *Service) NotifyIncident(ctx context.Context, id uuid.UUID) error {
	log := s.logger.With().Str("report_id", id.String()).Logger()

	row, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if row.UID == nil || *row.UID == uuid.Nil {
		return nil
	}

	categoria, err := s.categoryOf(ctx, row)
	if err != nil {
		log.Warn().Err(err).Msg("categoria ilegível, sem notificação")
		return nil
	}
	route, ok := RouteFor(categoria)
	if !ok {
		return nil
	}

	destinatarios := make([]string, 0, len(route.Destinatarios))
	for _, r := range route.Destinatarios {
		destinatarios = append(destinatarios, r.String())
	}
	created, err := s.incidents.InsertNotification(ctx, Notification{
		ReportID:      id,
		Categoria:     categoria,
		Prioridad:     route.Prioridad,
		Destinatarios: destinatarios,
		Estado:        "pendiente",
	})
	if err != nil {
		return fmt.Errorf("gravar notificação: %w", err)
	}
	if !created {
		return nil
	}
	metrics.Notifications.WithLabelValues(route.Prioridad).Inc()

	msg := notify.Message{
		Title:    "Nueva incidencia (" + route.Prioridad + ")",
		Text:     fmt.Sprintf("Categoría: %s\nDestinatarios: %s\nReporte: %s", categoria, strings.Join(destinatarios, ", "), id),
		Severity: notify.SeverityWarning,
	}
	if route.Prioridad == PrioridadAlta {
		msg.Severity = notify.SeverityCritical
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("falha ao entregar notificação, fica pendente")
		return nil
	}
	if err := s.incidents.MarkNotificationSent(ctx, id); err != nil {
		log.Warn().Err(err).Msg("falha ao marcar notificação enviada")
	}
	return nil
}

func (s *Service) categoryOf(ctx context.Context, row IncidentRow) (string, error) {
	if row.Categoria != nil && *row.Categoria != "" {
		return *row.Categoria, nil
	}
	draft, err := s.readIncident(ctx, row)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(draft.Categoria)), nil
}

// SaveGuardianReport cifra e grava um relatório de guarda.
func (s *Service) SaveGuardianReport(ctx context.Context, caller *Caller, in GuardianInput) (SaveResult, error) {
	if caller == nil || caller.UID == uuid.Nil {
		return SaveResult{}, ErrUnauthenticated
	}
	role := caller.EffectiveRole()
	if !roles.IsReporter(role) {
		return SaveResult{}, ErrPermission
	}

	storedAt := s.now().UTC()
	recorded := recordedAt(in.RecordedAtISO, storedAt)
	draft := in.Payload.normalize(recorded)
	vis := visibility.Resolve(in.RoleVisibility, role).Strings()

	env, err := s.codec.Encrypt(ctx, draft)
	if err != nil {
		return SaveResult{}, err
	}

	rec := GuardianRecord{
		ID:               uuid.New(),
		UID:              caller.UID,
		Envelope:         env,
		RecordedAt:       recorded,
		RoleVisibility:   vis,
		CreatedBy:        Author{UID: caller.UID.String(), Email: caller.Email, Role: role.String()},
		VoiceDurationSec: voiceDuration(in.VoiceDurationSec),
		CreatedAt:        storedAt,
	}
	if err := s.guardian.InsertGuardian(ctx, rec); err != nil {
		return SaveResult{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Entity:    entityGuardian,
		EntityID:  rec.ID.String(),
		Action:    audit.Create,
		Actor:     caller.UID.String(),
		Timestamp: storedAt,
		Detail:    map[string]any{"roleVisibility": vis},
	})
	metrics.ReportsStored.WithLabelValues("guardia").Inc()
	s.logger.Info().Str("report_id", rec.ID.String()).Str("uid", caller.UID.String()).Msg("relatório de guarda registrado")

	return SaveResult{
		ReportID:       rec.ID.String(),
		RecordedAtISO:  recorded.Format(time.RFC3339),
		StoredAtISO:    storedAt.Format(time.RFC3339),
		RoleVisibility: vis,
	}, nil
}

// ListReports devolve os relatórios visíveis para quem chama. Registros que
// não abrem são descartados do resultado.
func (s *Service) ListReports(ctx context.Context, caller *Caller) ([]DecryptedReport, error) {
	if caller == nil || caller.UID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	role := caller.EffectiveRole()

	scope := Scope{Limit: s.opts.ListLimit}
	switch {
	case role == roles.Admin:
		scope.All = true
	case roles.OwnRecordsOnly(role):
		uid := caller.UID
		scope.Author = &uid
	default:
		scope.Role = role
	}

	records, err := s.guardian.ListGuardian(ctx, scope)
	if err != nil {
		return nil, err
	}

	opened := make([]*DecryptedReport, len(records))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, rec := range records {
		g.Go(func() error {
			var draft GuardianDraft
			if err := s.codec.Decrypt(ctx, rec.Envelope, &draft); err != nil {
				metrics.DecryptFailures.Inc()
				s.logger.Error().Err(err).Str("report_id", rec.ID.String()).Msg("relatório ilegível omitido da listagem")
				return nil
			}
			opened[i] = &DecryptedReport{
				ID:               rec.ID.String(),
				UID:              rec.UID.String(),
				RecordedAt:       rec.RecordedAt,
				RoleVisibility:   rec.RoleVisibility,
				CreatedBy:        rec.CreatedBy,
				VoiceDurationSec: rec.VoiceDurationSec,
				Payload:          draft,
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]DecryptedReport, 0, len(records))
	for _, r := range opened {
		if r != nil {
			out = append(out, *r)
		}
	}

	s.audit.Record(ctx, audit.Entry{
		Entity:   entityGuardian,
		EntityID: "listado",
		Action:   audit.Read,
		Actor:    caller.UID.String(),
		Detail: map[string]any{
			"rol":         role.String(),
			"cantidad":    len(out),
			"descartados": len(records) - len(out),
		},
	})
	return out, nil
}

// DeleteReport remove um relatório de guarda do próprio autor.
func (s *Service) DeleteReport(ctx context.Context, caller *Caller, id uuid.UUID) error {
	if caller == nil || caller.UID == uuid.Nil {
		return ErrUnauthenticated
	}
	author, err := s.guardian.GuardianAuthor(ctx, id)
	if err != nil {
		return err
	}
	if author != caller.UID {
		return ErrPermission
	}
	if err := s.guardian.DeleteGuardian(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Entity:   entityGuardian,
		EntityID: id.String(),
		Action:   audit.Delete,
		Actor:    caller.UID.String(),
	})
	s.logger.Info().Str("report_id", id.String()).Str("uid", caller.UID.String()).Msg("relatório de guarda removido")
	return nil
}

// LogSensitiveAccess registra a consulta a um recurso sensível.
func (s *Service) LogSensitiveAccess(ctx context.Context, caller *Caller, resource, reason string) (time.Time, error) {
	if caller == nil || caller.UID == uuid.Nil {
		return time.Time{}, ErrUnauthenticated
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return time.Time{}, &ValidationError{Field: "resource", Rule: "required", Message: "resource obrigatório"}
	}
	if len([]rune(resource)) > 200 {
		return time.Time{}, &ValidationError{Field: "resource", Rule: "max", Message: "resource deve ter no máximo 200 caracteres"}
	}
	at := s.now().UTC()
	detail := map[string]any{"rol": caller.EffectiveRole().String()}
	if reason = strings.TrimSpace(reason); reason != "" {
		detail["reason"] = util.Truncate(reason, 500)
	}
	s.audit.Record(ctx, audit.Entry{
		Entity:    "acceso_sensible",
		EntityID:  resource,
		Action:    audit.SensitiveAccess,
		Actor:     caller.UID.String(),
		Timestamp: at,
		Detail:    detail,
		Fact:      caller.UID.String() + "@" + at.Format(time.RFC3339Nano),
	})
	return at, nil
}
