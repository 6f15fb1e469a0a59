package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/gestaozabele/bitacora/internal/metrics"
)

type fakeExecer struct {
	err   error
	calls [][]any
}

func (f *fakeExecer) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, args)
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

// stubTx registra o ciclo de vida do savepoint. Métodos não usados caem
// na interface nil embutida.
type stubTx struct {
	pgx.Tx
	nested     *stubTx
	beginErr   error
	execErr    error
	execs      int
	committed  bool
	rolledBack bool
}

func (s *stubTx) Begin(context.Context) (pgx.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.nested, nil
}

func (s *stubTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	s.execs++
	return pgconn.NewCommandTag("INSERT 0 1"), s.execErr
}

func (s *stubTx) Commit(context.Context) error {
	s.committed = true
	return nil
}

func (s *stubTx) Rollback(context.Context) error {
	s.rolledBack = true
	return nil
}

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum("r1", "INC-000001")
	if a != Checksum("r1", "INC-000001") {
		t.Fatal("checksum deveria ser determinístico")
	}
	if a == Checksum("r2", "INC-000001") || a == Checksum("r1", "INC-000002") {
		t.Fatal("checksum deveria depender de entidade e fato")
	}
	if len(a) != 64 {
		t.Fatalf("esperava hex sha256, veio %q", a)
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	db := &fakeExecer{}
	l := New(db, zerolog.Nop())
	fixed := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Record(context.Background(), Entry{Entity: "reportes_incidencia", EntityID: "r1", Action: Create, Actor: "u1", Fact: "INC-000007"})

	if len(db.calls) != 1 {
		t.Fatalf("esperava 1 insert, veio %d", len(db.calls))
	}
	args := db.calls[0]
	if args[2] != "CREAR" {
		t.Fatalf("ação inesperada %v", args[2])
	}
	if ts, _ := args[4].(time.Time); !ts.Equal(fixed) {
		t.Fatalf("timestamp inesperado %v", args[4])
	}
	if args[6] != Checksum("r1", "INC-000007") {
		t.Fatalf("checksum inesperado %v", args[6])
	}
}

func TestRecordSwallowsFailures(t *testing.T) {
	db := &fakeExecer{err: errors.New("conexão recusada")}
	l := New(db, zerolog.Nop())

	// não deve entrar em pânico nem propagar
	l.Record(context.Background(), Entry{Entity: "reportes_guardia", EntityID: "x", Action: Read, Actor: "u"})
	if len(db.calls) != 1 {
		t.Fatal("insert deveria ter sido tentado")
	}
}

func TestMemoryRecorder(t *testing.T) {
	var m MemoryRecorder
	m.Record(context.Background(), Entry{EntityID: "a", Action: Create})
	m.RecordTx(context.Background(), nil, Entry{EntityID: "b", Action: Read})
	m.Record(context.Background(), Entry{EntityID: "c", Action: Create})

	if m.Count(Create) != 2 || m.Count(Read) != 1 {
		t.Fatalf("contagem inesperada: %+v", m.Entries())
	}
	for _, e := range m.Entries() {
		if e.Checksum == "" || e.Timestamp.IsZero() {
			t.Fatalf("entrada incompleta %+v", e)
		}
	}
}

func TestRecordTxRollsBackSavepointOnFailure(t *testing.T) {
	sp := &stubTx{execErr: errors.New("violação de restrição")}
	tx := &stubTx{nested: sp}
	l := New(&fakeExecer{}, zerolog.Nop())
	before := testutil.ToFloat64(metrics.AuditFailures)

	// sem retorno de erro: a transação do chamador segue intacta
	l.RecordTx(context.Background(), tx, Entry{Entity: "reportes_incidencia", EntityID: "r1", Action: Create, Actor: "u1"})

	if sp.execs != 1 {
		t.Fatalf("insert deveria ocorrer no savepoint, veio %d", sp.execs)
	}
	if !sp.rolledBack || sp.committed {
		t.Fatalf("savepoint deveria ser desfeito: rollback=%v commit=%v", sp.rolledBack, sp.committed)
	}
	if tx.execs != 0 || tx.rolledBack || tx.committed {
		t.Fatal("transação externa não deveria ser tocada")
	}
	if got := testutil.ToFloat64(metrics.AuditFailures) - before; got != 1 {
		t.Fatalf("esperava 1 falha de auditoria contada, veio %v", got)
	}
}

func TestRecordTxCommitsSavepoint(t *testing.T) {
	sp := &stubTx{}
	tx := &stubTx{nested: sp}
	l := New(&fakeExecer{}, zerolog.Nop())
	before := testutil.ToFloat64(metrics.AuditFailures)

	l.RecordTx(context.Background(), tx, Entry{Entity: "reportes_incidencia", EntityID: "r1", Action: Create, Actor: "u1"})

	if !sp.committed || sp.rolledBack {
		t.Fatalf("savepoint deveria ser confirmado: rollback=%v commit=%v", sp.rolledBack, sp.committed)
	}
	if tx.committed || tx.rolledBack {
		t.Fatal("commit da transação externa pertence ao chamador")
	}
	if testutil.ToFloat64(metrics.AuditFailures) != before {
		t.Fatal("gravação bem-sucedida não deveria contar falha")
	}
}

func TestRecordTxSavepointUnavailable(t *testing.T) {
	tx := &stubTx{beginErr: errors.New("transação abortada")}
	l := New(&fakeExecer{}, zerolog.Nop())
	before := testutil.ToFloat64(metrics.AuditFailures)

	l.RecordTx(context.Background(), tx, Entry{Entity: "reportes_guardia", EntityID: "g1", Action: Read, Actor: "u1"})

	if tx.execs != 0 {
		t.Fatal("sem savepoint não deveria haver insert na transação externa")
	}
	if got := testutil.ToFloat64(metrics.AuditFailures) - before; got != 1 {
		t.Fatalf("esperava 1 falha de auditoria contada, veio %v", got)
	}
}
