package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/folio"
	"github.com/gestaozabele/bitacora/internal/notify"
	"github.com/gestaozabele/bitacora/internal/roles"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (c *captureNotifier) Notify(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

type fixture struct {
	svc      *Service
	store    *memStore
	rec      *audit.MemoryRecorder
	codec    *envelope.Codec
	notifier *captureNotifier
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := envelope.NewStaticBackend(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	codec := envelope.New(backend)
	rec := &audit.MemoryRecorder{}
	store := newMemStore(rec)
	notifier := &captureNotifier{}
	logs := &bytes.Buffer{}

	svc := NewService(store, store, codec, folio.New("INC", 6), rec, notifier, nil,
		Options{Concurrency: 2}, zerolog.New(&syncWriter{w: logs}))
	svc.now = func() time.Time { return time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC) }
	return &fixture{svc: svc, store: store, rec: rec, codec: codec, notifier: notifier, logs: logs}
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func teacher() *Caller {
	return &Caller{UID: uuid.New(), Email: "maestra@escuela.mx", Role: roles.Teacher, Authorized: true}
}

func validDraft() IncidentDraft {
	return IncidentDraft{
		Titulo:      "Pelea en el patio",
		Descripcion: "Dos alumnos discutieron durante el recreo.",
		Categoria:   "Incidencia",
		Fecha:       "2025-03-14",
	}
}

func (f *fixture) submitPlain(t *testing.T, caller *Caller, d IncidentDraft) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	id, err := f.svc.SubmitIncident(context.Background(), caller, NewIncident{Plain: raw})
	require.NoError(t, err)
	return id
}

func TestIngestIncidentAssignsFolioOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := teacher()
	id := f.submitPlain(t, caller, validDraft())

	require.NoError(t, f.svc.IngestIncident(ctx, id))

	row, err := f.store.GetIncident(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row.Folio)
	assert.Equal(t, "INC-000001", *row.Folio)
	assert.Nil(t, row.Plain, "texto em claro deveria ser removido")
	assert.Equal(t, "procesado", row.Estado)
	require.NotNil(t, row.Categoria)
	assert.Equal(t, "incidencia", *row.Categoria)

	var stored IncidentDraft
	require.NoError(t, f.codec.Decrypt(ctx, *row.Cipher, &stored))
	assert.Equal(t, "Sin especificar", stored.Lugar)
	assert.Equal(t, "Sin acciones registradas", stored.Acciones)
	assert.Equal(t, []string{}, stored.Involucrados)

	entries := f.rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.Create, entries[0].Action)
	assert.Equal(t, caller.UID.String(), entries[0].Actor)
	assert.Equal(t, audit.Checksum(id.String(), "INC-000001"), entries[0].Checksum)

	// reentrega do evento não renumera
	require.NoError(t, f.svc.IngestIncident(ctx, id))
	assert.EqualValues(t, 1, f.store.counters.Value(folio.CounterName))
	assert.Equal(t, 1, f.rec.Count(audit.Create))
}

func TestIngestIncidentTitleBounds(t *testing.T) {
	cases := []struct {
		runes int
		ok    bool
	}{
		{2, false},
		{3, true},
		{120, true},
		{121, false},
	}
	for _, tc := range cases {
		f := newFixture(t)
		d := validDraft()
		d.Titulo = strings.Repeat("ñ", tc.runes)
		id := f.submitPlain(t, teacher(), d)

		err := f.svc.IngestIncident(context.Background(), id)
		row, getErr := f.store.GetIncident(context.Background(), id)
		require.NoError(t, getErr)

		if tc.ok {
			require.NoError(t, err, "título com %d runas", tc.runes)
			assert.NotNil(t, row.Folio)
			continue
		}
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "título com %d runas", tc.runes)
		assert.Equal(t, "titulo", verr.Field)
		assert.Nil(t, row.Folio)
		assert.NotNil(t, row.Plain, "linha rejeitada fica intacta")
		assert.Equal(t, 1, f.rec.Count(audit.Reject))
		assert.EqualValues(t, 0, f.store.counters.Value(folio.CounterName))
	}
}

func TestIngestIncidentValidationMessages(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*IncidentDraft)
		field  string
	}{
		{"descripcion curta", func(d *IncidentDraft) { d.Descripcion = "corta" }, "descripcion"},
		{"categoria desconhecida", func(d *IncidentDraft) { d.Categoria = "deportes" }, "categoria"},
		{"fecha inválida", func(d *IncidentDraft) { d.Fecha = "14/03/2025" }, "fecha"},
		{"titulo só espaços", func(d *IncidentDraft) { d.Titulo = "   " }, "titulo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDraft().Normalize()
			tc.mutate(&d)
			err := d.Normalize().Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.NotEmpty(t, verr.Message)
		})
	}
}

func TestIngestIncidentWithoutAuthorIsDiscarded(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	raw, _ := json.Marshal(validDraft())
	f.store.putIncident(IncidentRow{ID: id, Plain: raw, Estado: "recibido"})

	require.NoError(t, f.svc.IngestIncident(context.Background(), id))

	_, err := f.store.GetIncident(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.rec.Count(audit.Discard))
	assert.EqualValues(t, 0, f.store.counters.Value(folio.CounterName))
}

func TestIngestIncidentClientEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env, err := f.codec.Encrypt(ctx, validDraft())
	require.NoError(t, err)

	id, err := f.svc.SubmitIncident(ctx, teacher(), NewIncident{Cipher: &env})
	require.NoError(t, err)
	require.NoError(t, f.svc.IngestIncident(ctx, id))

	row, err := f.store.GetIncident(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row.Folio)
	assert.NotEqual(t, env.IV, row.Cipher.IV, "envelope regravado com IV novo")
}

func TestIngestIncidentDecryptFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env, err := f.codec.Encrypt(ctx, validDraft())
	require.NoError(t, err)
	env.Ciphertext = base64.StdEncoding.EncodeToString([]byte("adulterado-adulterado-adulterado"))

	id, err := f.svc.SubmitIncident(ctx, teacher(), NewIncident{Cipher: &env})
	require.NoError(t, err)

	err = f.svc.IngestIncident(ctx, id)
	require.ErrorIs(t, err, envelope.ErrCrypto)

	row, _ := f.store.GetIncident(ctx, id)
	assert.Nil(t, row.Folio)
	assert.Equal(t, env, *row.Cipher)
	assert.EqualValues(t, 0, f.store.counters.Value(folio.CounterName))
	assert.Empty(t, f.rec.Entries())
}

func TestIngestIncidentConcurrentFoliosAreGapFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 24

	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = f.submitPlain(t, teacher(), validDraft())
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		// cada linha recebe o evento duas vezes
		go func() { defer wg.Done(); _ = f.svc.IngestIncident(ctx, id) }()
		go func() { defer wg.Done(); _ = f.svc.IngestIncident(ctx, id) }()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		row, err := f.store.GetIncident(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, row.Folio)
		require.False(t, seen[*row.Folio], "folio repetido %s", *row.Folio)
		seen[*row.Folio] = true
	}
	seq := folio.New("INC", 6)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[seq.Format(i)], "faltou %s", seq.Format(i))
	}
}

func TestNotifyIncidentRouting(t *testing.T) {
	cases := []struct {
		categoria string
		prioridad string
		notifies  bool
	}{
		{"seguimiento", PrioridadMedia, true},
		{"incidencia", PrioridadAlta, true},
		{"acoso", PrioridadAlta, true},
		{"otro", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.categoria, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			d := validDraft()
			d.Categoria = tc.categoria
			id := f.submitPlain(t, teacher(), d)

			require.NoError(t, f.svc.NotifyIncident(ctx, id))
			require.NoError(t, f.svc.NotifyIncident(ctx, id))

			n, ok := f.store.notificationsFor(id)
			if !tc.notifies {
				assert.False(t, ok)
				assert.Empty(t, f.notifier.msgs)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.prioridad, n.Prioridad)
			assert.Equal(t, tc.categoria, n.Categoria)
			assert.NotEmpty(t, n.Destinatarios)
			assert.Equal(t, "enviada", n.Estado)
			require.Len(t, f.notifier.msgs, 1, "notificação deveria sair uma única vez")
			assert.NotContains(t, f.notifier.msgs[0].Text, d.Descripcion)
		})
	}
}

func TestNotifyIncidentDeliveryFailureStaysPending(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("slack fora do ar")
	id := f.submitPlain(t, teacher(), validDraft())

	require.NoError(t, f.svc.NotifyIncident(context.Background(), id))

	n, ok := f.store.notificationsFor(id)
	require.True(t, ok)
	assert.Equal(t, "pendiente", n.Estado)
}

func TestIncidentCreatedEventRunsBothTriggers(t *testing.T) {
	f := newFixture(t)
	bus := events.NewBus(zerolog.Nop())
	f.svc.Register(bus)

	d := validDraft()
	d.Categoria = "seguimiento"
	id := f.submitPlain(t, teacher(), d)
	bus.Publish(context.Background(), events.Event{Topic: events.IncidentCreated, ID: id.String()})

	row, err := f.store.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, row.Folio)
	n, ok := f.store.notificationsFor(id)
	require.True(t, ok)
	assert.Equal(t, PrioridadMedia, n.Prioridad)
}

func TestSubmitIncidentRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := []byte(`{"titulo":"x"}`)

	_, err := f.svc.SubmitIncident(ctx, nil, NewIncident{Plain: raw})
	require.ErrorIs(t, err, ErrUnauthenticated)

	clerk := &Caller{UID: uuid.New(), Role: roles.Clerk, Authorized: true}
	_, err = f.svc.SubmitIncident(ctx, clerk, NewIncident{Plain: raw})
	require.ErrorIs(t, err, ErrPermission)

	var verr *ValidationError
	_, err = f.svc.SubmitIncident(ctx, teacher(), NewIncident{})
	require.ErrorAs(t, err, &verr)

	pub := &capturePublisher{}
	f.svc.events = pub
	f.svc.opts.PublishOnSubmit = true
	id, err := f.svc.SubmitIncident(ctx, teacher(), NewIncident{Plain: raw})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.IncidentCreated, pub.events[0].Topic)
	assert.Equal(t, id.String(), pub.events[0].ID)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) PublishAsync(_ context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestSaveGuardianReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := teacher()
	dur := 95

	res, err := f.svc.SaveGuardianReport(ctx, caller, GuardianInput{
		Payload: GuardianDraft{
			Titulo:        strings.Repeat("á", 200),
			Resumen:       "  Resumen breve  ",
			Transcripcion: "texto",
		},
		RecordedAtISO:    "2025-03-13T08:00:00Z",
		VoiceDurationSec: &dur,
		RoleVisibility:   []string{"Orientación", "superusuario"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-13T08:00:00Z", res.RecordedAtISO)
	assert.Equal(t, "2025-03-14T10:30:00Z", res.StoredAtISO)
	assert.ElementsMatch(t, []string{"admin", "guidance", "teacher"}, res.RoleVisibility)

	rec := f.store.guardian[uuid.MustParse(res.ReportID)]
	var draft GuardianDraft
	require.NoError(t, f.codec.Decrypt(ctx, rec.Envelope, &draft))
	assert.Equal(t, 120, len([]rune(draft.Titulo)))
	assert.Equal(t, "Resumen breve", draft.Resumen)
	assert.Equal(t, "2025-03-13", draft.Fecha)
	assert.Equal(t, caller.UID.String(), rec.CreatedBy.UID)
	assert.Equal(t, "teacher", rec.CreatedBy.Role)
	require.NotNil(t, rec.VoiceDurationSec)
	assert.Equal(t, 95, *rec.VoiceDurationSec)
	assert.Equal(t, 1, f.rec.Count(audit.Create))
}

func TestSaveGuardianReportDefaultsVisibility(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.SaveGuardianReport(context.Background(), teacher(), GuardianInput{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "guidance", "prefect", "teacher"}, res.RoleVisibility)
	assert.Equal(t, res.StoredAtISO, res.RecordedAtISO)
}

func TestSaveGuardianReportRejectsCallers(t *testing.T) {
	cases := []struct {
		name   string
		caller *Caller
		want   error
	}{
		{"sem identidade", nil, ErrUnauthenticated},
		{"uid vazio", &Caller{Role: roles.Teacher, Authorized: true}, ErrUnauthenticated},
		{"não autorizado", &Caller{UID: uuid.New(), Role: roles.Teacher}, ErrPermission},
		{"clerk", &Caller{UID: uuid.New(), Role: roles.Clerk, Authorized: true}, ErrPermission},
		{"pending", &Caller{UID: uuid.New(), Role: roles.Pending, Authorized: true}, ErrPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.SaveGuardianReport(context.Background(), tc.caller, GuardianInput{})
			require.ErrorIs(t, err, tc.want)
			assert.Empty(t, f.store.guardian)
			assert.Empty(t, f.rec.Entries())
		})
	}
}

func TestListReportsDropsUndecryptable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := teacher()

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := f.svc.SaveGuardianReport(ctx, author, GuardianInput{Payload: GuardianDraft{Titulo: "reporte"}})
		require.NoError(t, err)
		ids = append(ids, res.ReportID)
	}
	corrupted := uuid.MustParse(ids[2])
	rec := f.store.guardian[corrupted]
	rec.Envelope.Ciphertext = base64.StdEncoding.EncodeToString([]byte("basura-basura-basura-basura"))
	f.store.guardian[corrupted] = rec

	admin := &Caller{UID: uuid.New(), Role: roles.Admin, Authorized: true}
	got, err := f.svc.ListReports(ctx, admin)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for _, r := range got {
		assert.NotEqual(t, corrupted.String(), r.ID)
		assert.Equal(t, "reporte", r.Payload.Titulo)
	}
	assert.Equal(t, 1, strings.Count(f.logs.String(), "relatório ilegível omitido da listagem"))
	assert.Equal(t, 1, f.rec.Count(audit.Read))
}

func TestListReportsScopeByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ana, beto := teacher(), teacher()
	medic := &Caller{UID: uuid.New(), Role: roles.Medical, Authorized: true}

	_, err := f.svc.SaveGuardianReport(ctx, ana, GuardianInput{})
	require.NoError(t, err)
	_, err = f.svc.SaveGuardianReport(ctx, beto, GuardianInput{RoleVisibility: []string{"medico"}})
	require.NoError(t, err)
	_, err = f.svc.SaveGuardianReport(ctx, medic, GuardianInput{})
	require.NoError(t, err)

	count := func(c *Caller) int {
		got, err := f.svc.ListReports(ctx, c)
		require.NoError(t, err)
		return len(got)
	}
	assert.Equal(t, 3, count(&Caller{UID: uuid.New(), Role: roles.Admin, Authorized: true}))
	assert.Equal(t, 1, count(ana))
	assert.Equal(t, 1, count(beto))
	assert.Equal(t, 2, count(medic))
	assert.Equal(t, 1, count(&Caller{UID: uuid.New(), Role: roles.Prefect, Authorized: true}))
	assert.Equal(t, 2, count(&Caller{UID: uuid.New(), Role: roles.Guidance, Authorized: true}))
	assert.Equal(t, 0, count(&Caller{UID: uuid.New(), Role: roles.Admin, Authorized: false}))

	_, err = f.svc.ListReports(ctx, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestDeleteReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := teacher()
	res, err := f.svc.SaveGuardianReport(ctx, author, GuardianInput{})
	require.NoError(t, err)
	id := uuid.MustParse(res.ReportID)

	err = f.svc.DeleteReport(ctx, teacher(), id)
	require.ErrorIs(t, err, ErrPermission)

	admin := &Caller{UID: uuid.New(), Role: roles.Admin, Authorized: true}
	require.ErrorIs(t, f.svc.DeleteReport(ctx, admin, id), ErrPermission)

	require.ErrorIs(t, f.svc.DeleteReport(ctx, author, uuid.New()), ErrNotFound)

	require.NoError(t, f.svc.DeleteReport(ctx, author, id))
	assert.Equal(t, 1, f.rec.Count(audit.Delete))
	require.ErrorIs(t, f.svc.DeleteReport(ctx, author, id), ErrNotFound)
}

func TestLogSensitiveAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := &Caller{UID: uuid.New(), Role: roles.Guidance, Authorized: true}

	at, err := f.svc.LogSensitiveAccess(ctx, caller, " expediente/123 ", "seguimiento de caso")
	require.NoError(t, err)
	assert.Equal(t, f.svc.now().UTC(), at)

	entries := f.rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SensitiveAccess, entries[0].Action)
	assert.Equal(t, "expediente/123", entries[0].EntityID)
	assert.Equal(t, "seguimiento de caso", entries[0].Detail["reason"])

	var verr *ValidationError
	_, err = f.svc.LogSensitiveAccess(ctx, caller, "  ", "")
	require.ErrorAs(t, err, &verr)
	_, err = f.svc.LogSensitiveAccess(ctx, nil, "x", "")
	require.ErrorIs(t, err, ErrUnauthenticated)
}
