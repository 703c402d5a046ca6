package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRecordAndLastCapture(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		err := s.RecordCapture(ctx, &Capture{
			ID:         fmt.Sprintf("cap-%d", i),
			Target:     "claude",
			Content:    fmt.Sprintf("reply %d", i),
			CapturedAt: now + int64(i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	c, err := s.LastCapture(ctx, "claude")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Content != "reply 2" {
		t.Fatalf("got %+v, want newest capture", c)
	}
}

func TestLastCapture_None(t *testing.T) {
	s := OpenMemory(t)
	c, err := s.LastCapture(context.Background(), "gemini")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("got %+v, want nil", c)
	}
}

func TestPruneCaptures(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for _, target := range []string{"claude", "qwen"} {
		for i := 0; i < 5; i++ {
			err := s.RecordCapture(ctx, &Capture{
				ID:         fmt.Sprintf("%s-%d", target, i),
				Target:     target,
				Content:    "x",
				CapturedAt: now + int64(i),
			})
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := s.PruneCaptures(ctx, 2); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM captures`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("got %d rows after prune, want 4 (2 per target)", count)
	}

	// The kept rows are the newest ones.
	c, err := s.LastCapture(ctx, "claude")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "claude-4" {
		t.Fatalf("got %s, want claude-4", c.ID)
	}
}

func TestHeartbeatUpsert(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	err := s.RecordHeartbeat(ctx, &Heartbeat{
		Target: "deepseek", Alive: true, URL: "https://chat.deepseek.com/", SeenAt: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.RecordHeartbeat(ctx, &Heartbeat{
		Target: "deepseek", Alive: false, SeenAt: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	hbs, err := s.Heartbeats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hbs) != 1 {
		t.Fatalf("got %d rows, want 1 (upsert)", len(hbs))
	}
	if hbs[0].Alive || hbs[0].SeenAt != 2 {
		t.Fatalf("got %+v, want updated row", hbs[0])
	}
}
