package postgres

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/jackc/pgx/v5/stdlib"

	telemetry "meact/internal/telemetry/domain"
)

func TestMetricRepository_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO metrics").WithArgs("10", "temp", "21.5", at).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO last_metrics").WithArgs("10", "temp", "21.5", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewMetricRepository(db).Record(context.Background(), telemetry.Sample{BoardID: "10", SensorType: "temp", Value: "21.5", At: at})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMetricRepository_LastNOldestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	mock.ExpectQuery("SELECT board_id, sensor_type, sensor_data, last_update").
		WithArgs("temp", "10", "11", 2).
		WillReturnRows(sqlmock.NewRows([]string{"board_id", "sensor_type", "sensor_data", "last_update"}).
			AddRow("11", "temp", "22", t2).
			AddRow("10", "temp", "21", t1))

	samples, err := NewMetricRepository(db).LastN(context.Background(), []string{"10", "11"}, "temp", 2)
	if err != nil {
		t.Fatalf("last n: %v", err)
	}
	if len(samples) != 2 || samples[0].Value != "21" || samples[1].Value != "22" {
		t.Fatalf("expected oldest first, got %+v", samples)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMetricRepository_RangeAllBoards(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	mock.ExpectQuery("SELECT board_id, sensor_type, sensor_data, last_update").
		WithArgs("motion", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"board_id", "sensor_type", "sensor_data", "last_update"}).
			AddRow("3", "motion", "1", start.Add(time.Minute)))

	samples, err := NewMetricRepository(db).Range(context.Background(), nil, "motion", start, end)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(samples) != 1 || samples[0].BoardID != "3" {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	if _, err := NewMetricRepository(db).Range(context.Background(), nil, "motion", end, start); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestScope(t *testing.T) {
	where, args := scope([]string{"a", "b"}, "temp")
	if where != "sensor_type = $1 AND board_id IN ($2, $3)" {
		t.Fatalf("unexpected where: %s", where)
	}
	if len(args) != 3 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestFireLogRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewFireLogRepository(db)

	mock.ExpectQuery("SELECT last_update").
		WithArgs("rule-1", "10", "temp").
		WillReturnRows(sqlmock.NewRows([]string{"last_update"}))
	if _, ok, err := repo.LastFireTime(context.Background(), "rule-1", "10", "temp"); err != nil || ok {
		t.Fatalf("expected no firing, got ok=%v err=%v", ok, err)
	}

	mock.ExpectExec("INSERT INTO actions").WithArgs("10", "temp", "rule-1", at).WillReturnResult(sqlmock.NewResult(1, 1))
	if err := repo.RecordFire(context.Background(), "rule-1", "10", "temp", at); err != nil {
		t.Fatalf("record fire: %v", err)
	}

	mock.ExpectQuery("SELECT last_update").
		WithArgs("rule-1", "10", "temp").
		WillReturnRows(sqlmock.NewRows([]string{"last_update"}).AddRow(at))
	got, ok, err := repo.LastFireTime(context.Background(), "rule-1", "10", "temp")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("unexpected last fire: %v %v %v", got, ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMetricRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	board := "it-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	repo := NewMetricRepository(db)
	base := time.Now().UTC().Truncate(time.Second)
	for i, value := range []string{"1", "2", "3"} {
		if err := repo.Record(ctx, telemetry.Sample{BoardID: board, SensorType: "it_temp", Value: value, At: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	samples, err := repo.LastN(ctx, []string{board}, "it_temp", 2)
	if err != nil {
		t.Fatalf("last n: %v", err)
	}
	if len(samples) != 2 || samples[0].Value != "2" || samples[1].Value != "3" {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	latest, err := repo.Latest(ctx, []string{board}, "it_temp")
	if err != nil || len(latest) != 1 || latest[0].Value != "3" {
		t.Fatalf("unexpected latest: %+v %v", latest, err)
	}
}
