package store

import (
	"context"
	"os"
	"testing"
	"time"

	"huddle/api/internal/util"
)

// TestAnnotateMessageFirstFlagWins verifies the WHERE guard on the UPDATE:
// once a flag is committed, later annotations leave the row untouched and
// report applied=false.
func TestAnnotateMessageFirstFlagWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	db, err := Open(ctx, testDatabaseURL())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	project := Project{
		ID:    util.NewID("proj"),
		Title: "Annotate Test",
		Roles: []string{"owner"},
		Members: []Member{
			{UserID: util.NewID("user"), Nickname: "Olive", Role: "owner"},
		},
	}
	conversation := Conversation{
		ID:           util.NewID("conv"),
		ProjectID:    project.ID,
		Title:        "Everyone",
		Participants: []Participant{{UserID: project.Members[0].UserID, Nickname: "Olive"}},
	}
	if err := s.CreateProject(ctx, project, []Conversation{conversation}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	message, err := s.AppendMessage(ctx, Message{
		ID:             util.NewID("msg"),
		ConversationID: conversation.ID,
		SenderID:       project.Members[0].UserID,
		SenderName:     "Olive",
		Content:        "our profit was $1,000,000 last month",
	})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}

	first := Flag{Reason: "reported $1,000,000, records show $620,000", Severity: SeverityHigh}
	flagged, applied, err := s.AnnotateMessage(ctx, message.ID, first)
	if err != nil {
		t.Fatalf("first annotate: %v", err)
	}
	if !applied {
		t.Fatal("first annotation must apply")
	}
	if flagged.Flag == nil || flagged.Flag.Reason != first.Reason {
		t.Fatalf("first annotation not visible on the row: %+v", flagged.Flag)
	}

	second := Flag{Reason: "late duplicate verdict", Severity: SeverityLow, FlaggedAt: time.Now().UTC()}
	after, applied, err := s.AnnotateMessage(ctx, message.ID, second)
	if err != nil {
		t.Fatalf("second annotate: %v", err)
	}
	if applied {
		t.Fatal("second annotation must be rejected by the flagged_by_ai guard")
	}
	if after.Flag == nil {
		t.Fatal("flag disappeared after the losing annotation")
	}
	if after.Flag.Reason != first.Reason || after.Flag.Severity != first.Severity {
		t.Fatalf("losing annotation overwrote the flag: %+v", after.Flag)
	}
}

// testDatabaseURL returns the database URL for integration tests. It checks
// HUDDLE_TEST_DATABASE_URL first, then falls back to the standard Postgres
// environment variables.
func testDatabaseURL() string {
	if url := envOr("HUDDLE_TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "huddle")
	pass := envOr("POSTGRES_PASSWORD", "huddle")
	dbname := envOr("POSTGRES_DB", "huddle_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
