package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_InitSchema(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db, t.Logf)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_SaveUpserts(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	snapshot := sampleSnapshot("saga-1", StateReserving)
	mock.ExpectExec("INSERT INTO saga_snapshots").
		WithArgs("saga-1", "O1", string(StateReserving), sqlmock.AnyArg(),
			snapshot.CreatedAt, snapshot.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db, t.Logf)
	if err := store.Save(snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GetAndActive(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	snapshot := sampleSnapshot("saga-1", StateConfirming)
	raw, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectQuery("SELECT snapshot FROM saga_snapshots WHERE saga_id").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(raw))
	mock.ExpectQuery("SELECT snapshot FROM saga_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).
			AddRow(raw).
			AddRow([]byte("{corrupt")))

	store := NewPostgresStore(db, t.Logf)

	got, ok := store.Get("saga-1")
	if !ok || got.State != StateConfirming || got.SagaID != "saga-1" {
		t.Fatalf("get: ok=%v snapshot=%+v", ok, got)
	}

	active := store.Active()
	if len(active) != 1 || active[0].SagaID != "saga-1" {
		t.Fatalf("active should skip corrupt rows: %+v", active)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GetMissing(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT snapshot FROM saga_snapshots WHERE saga_id").
		WithArgs("saga-9").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}))

	store := NewPostgresStore(db, t.Logf)
	if _, ok := store.Get("saga-9"); ok {
		t.Fatalf("expected miss for absent saga")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_Remove(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM saga_snapshots").
		WithArgs("saga-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db, t.Logf)
	if err := store.Remove("saga-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RoundTripThroughJSON(t *testing.T) {
	t.Parallel()

	snapshot := sampleSnapshot("saga-1", StateCompensating)
	snapshot.UpdatedAt = snapshot.UpdatedAt.Add(time.Second)

	raw, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SagaID != snapshot.SagaID || got.State != snapshot.State ||
		len(got.Actions) != 1 || got.Reservations["seller1-R1"] != "seller1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
