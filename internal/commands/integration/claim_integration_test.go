package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	commands "fleet-core/internal/commands/domain"
	commandspostgres "fleet-core/internal/commands/infrastructure/postgres"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestCommandClaim_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "device_commands") {
		t.Skip("device_commands missing; run migrations")
	}

	ctx := context.Background()
	deviceID := uuid.New()
	repo := commandspostgres.NewRepository(db)

	created, err := repo.Create(ctx, commands.Command{
		DeviceID:    deviceID,
		SiteID:      uuid.New(),
		CommandType: commands.TypeRestart,
		Priority:    commands.PriorityDefault,
		MaxRetries:  3,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DELETE FROM device_commands WHERE device_id = $1", deviceID)
	}()

	// Many workers race for one command; exactly one may win.
	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan uuid.UUID, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := repo.ClaimNext(ctx, deviceID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if cmd != nil {
				claims <- cmd.ID
			}
		}()
	}
	wg.Wait()
	close(claims)

	var winners []uuid.UUID
	for id := range claims {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if winners[0] != created.ID {
		t.Fatalf("claimed %s, want %s", winners[0], created.ID)
	}

	stored, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if stored.Status != commands.StatusSent {
		t.Fatalf("status = %s, want sent", stored.Status)
	}
	if stored.SentAt == nil {
		t.Fatal("sent_at not stamped")
	}
}

func TestCommandRetryGuard_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "device_commands") {
		t.Skip("device_commands missing; run migrations")
	}

	ctx := context.Background()
	deviceID := uuid.New()
	repo := commandspostgres.NewRepository(db)

	created, err := repo.Create(ctx, commands.Command{
		DeviceID:    deviceID,
		SiteID:      uuid.New(),
		CommandType: commands.TypeClearErrors,
		Priority:    commands.PriorityDefault,
		MaxRetries:  1,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DELETE FROM device_commands WHERE device_id = $1", deviceID)
	}()

	if _, err := repo.ClaimNext(ctx, deviceID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := repo.MarkFailed(ctx, created.ID, "link reset"); err != nil || !ok {
		t.Fatalf("mark failed: %v %v", ok, err)
	}

	if ok, err := repo.Retry(ctx, created.ID); err != nil || !ok {
		t.Fatalf("first retry: %v %v", ok, err)
	}
	if _, err := repo.ClaimNext(ctx, deviceID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok, err := repo.MarkFailed(ctx, created.ID, "link reset"); err != nil || !ok {
		t.Fatalf("mark failed again: %v %v", ok, err)
	}

	// Budget of one retry is spent.
	if ok, err := repo.Retry(ctx, created.ID); err != nil {
		t.Fatalf("second retry: %v", err)
	} else if ok {
		t.Fatal("retry beyond budget should be refused")
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	return err == nil && exists
}

func TestCommandMarkTimeout_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "device_commands") {
		t.Skip("device_commands missing; run migrations")
	}

	ctx := context.Background()
	deviceID := uuid.New()
	repo := commandspostgres.NewRepository(db)

	created, err := repo.Create(ctx, commands.Command{
		DeviceID:    deviceID,
		SiteID:      uuid.New(),
		CommandType: commands.TypeRestart,
		Priority:    commands.PriorityDefault,
		MaxRetries:  3,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DELETE FROM device_commands WHERE device_id = $1", deviceID)
	}()

	ok, err := repo.MarkTimeout(ctx, created.ID, "wait timed out")
	if err != nil {
		t.Fatalf("mark timeout: %v", err)
	}
	if !ok {
		t.Fatal("pending command should be markable")
	}

	stored, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if stored.Status != commands.StatusTimeout {
		t.Errorf("status = %s, want timeout", stored.Status)
	}
	if stored.ErrorMessage != "wait timed out" {
		t.Errorf("error message = %q", stored.ErrorMessage)
	}

	// Timed-out commands are no longer claimable.
	claimed, err := repo.ClaimNext(ctx, deviceID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed %s after timeout", claimed.ID)
	}

	// A second mark is a no-op against the terminal state.
	ok, err = repo.MarkTimeout(ctx, created.ID, "again")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if ok {
		t.Error("terminal command should not be markable")
	}
}
