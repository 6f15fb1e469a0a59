package report

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/folio"
)

// memStore emula as duas tabelas de relatório com a semântica transacional
// do repositório: ProcessIncident serializa por linha e só confirma o
// contador quando fn termina sem erro.
type memStore struct {
	mu            sync.Mutex
	rowLocks      map[uuid.UUID]*sync.Mutex
	incidents     map[uuid.UUID]IncidentRow
	notifications map[uuid.UUID]Notification
	guardian      map[uuid.UUID]GuardianRecord
	counters      *folio.MemoryStore
	audit         audit.Recorder
}

func newMemStore(rec audit.Recorder) *memStore {
	return &memStore{
		rowLocks:      map[uuid.UUID]*sync.Mutex{},
		incidents:     map[uuid.UUID]IncidentRow{},
		notifications: map[uuid.UUID]Notification{},
		guardian:      map[uuid.UUID]GuardianRecord{},
		counters:      folio.NewMemoryStore(),
		audit:         rec,
	}
}

func (m *memStore) putIncident(row IncidentRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[row.ID] = row
}

func (m *memStore) GetIncident(_ context.Context, id uuid.UUID) (IncidentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.incidents[id]
	if !ok {
		return IncidentRow{}, ErrNotFound
	}
	return row, nil
}

func (m *memStore) InsertIncident(_ context.Context, in NewIncident) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	uid := in.UID
	m.incidents[id] = IncidentRow{ID: id, UID: &uid, Plain: in.Plain, Cipher: in.Cipher, Estado: "recibido"}
	return id, nil
}

func (m *memStore) DeleteIncident(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[id]; !ok {
		return ErrNotFound
	}
	delete(m.incidents, id)
	return nil
}

func (m *memStore) rowLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[id] = l
	}
	return l
}

func (m *memStore) ProcessIncident(ctx context.Context, id uuid.UUID, fn ProcessFunc) error {
	lock := m.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	row, err := m.GetIncident(ctx, id)
	if err != nil {
		return err
	}

	tx := m.counters.Begin()
	upd, err := fn(ctx, row, tx)
	if err != nil || upd == nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	f, cat, env := upd.Folio, upd.Categoria, upd.Cipher
	row.Folio, row.Categoria, row.Cipher = &f, &cat, &env
	row.Plain = nil
	row.Estado = "procesado"
	m.putIncident(row)

	m.audit.RecordTx(ctx, nil, audit.Entry{
		Entity:   entityIncident,
		EntityID: id.String(),
		Action:   audit.Create,
		Actor:    upd.Audit.Actor,
		Detail:   upd.Audit.Detail,
		Fact:     upd.Audit.Fact,
	})
	return nil
}

func (m *memStore) InsertNotification(_ context.Context, n Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ReportID]; ok {
		return false, nil
	}
	m.notifications[n.ReportID] = n
	return true, nil
}

func (m *memStore) MarkNotificationSent(_ context.Context, reportID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[reportID]
	if ok && n.Estado == "pendiente" {
		n.Estado = "enviada"
		m.notifications[reportID] = n
	}
	return nil
}

func (m *memStore) InsertGuardian(_ context.Context, rec GuardianRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardian[rec.ID] = rec
	return nil
}

func (m *memStore) ListGuardian(_ context.Context, scope Scope) ([]GuardianRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GuardianRecord
	for _, rec := range m.guardian {
		switch {
		case scope.All:
		case scope.Author != nil:
			if rec.UID != *scope.Author {
				continue
			}
		default:
			if !contains(rec.RoleVisibility, scope.Role.String()) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if scope.Limit > 0 && len(out) > scope.Limit {
		out = out[:scope.Limit]
	}
	return out, nil
}

func (m *memStore) GuardianAuthor(_ context.Context, id uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.guardian[id]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return rec.UID, nil
}

func (m *memStore) DeleteGuardian(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guardian[id]; !ok {
		return ErrNotFound
	}
	delete(m.guardian, id)
	return nil
}

func (m *memStore) notificationsFor(id uuid.UUID) (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	return n, ok
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
