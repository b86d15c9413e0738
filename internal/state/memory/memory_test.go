package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/jkaninda/sandbridge/internal/state"
)

func TestGet_CreatesDefaultRecord(t *testing.T) {
	s := New()
	record, err := s.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.TenantID != "t1" || record.Bound || record.SandboxID != "" {
		t.Errorf("fresh record = %+v", record)
	}
}

func TestUnbindResetsEverything(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Bind(ctx, "t1", "sb-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPreviewURL(ctx, "t1", "http://203.0.113.5:3000"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, "t1", state.Message{Sender: state.SenderUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Unbind(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	record, _ := s.Get(ctx, "t1")
	if record.Bound || record.SandboxID != "" || record.PreviewURL != "" || len(record.Conversation) != 0 {
		t.Errorf("record after unbind = %+v", record)
	}
}

func TestClearConversationKeepsBinding(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Bind(ctx, "t1", "sb-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, "t1", state.Message{Sender: state.SenderUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearConversation(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	record, _ := s.Get(ctx, "t1")
	if len(record.Conversation) != 0 {
		t.Errorf("conversation not cleared: %+v", record.Conversation)
	}
	if !record.Bound || record.SandboxID != "sb-1" {
		t.Errorf("clear touched identity: %+v", record)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AppendMessage(ctx, "t1", state.Message{Sender: state.SenderUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	record, _ := s.Get(ctx, "t1")
	record.Conversation[0].Content = "mutated"
	record.SandboxID = "hijacked"

	fresh, _ := s.Get(ctx, "t1")
	if fresh.Conversation[0].Content != "hi" || fresh.SandboxID != "" {
		t.Errorf("snapshot mutation leaked into the store: %+v", fresh)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := New()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendMessage(ctx, "t1", state.Message{Sender: state.SenderUser, Content: "m"})
		}()
	}
	wg.Wait()

	record, _ := s.Get(ctx, "t1")
	if len(record.Conversation) != n {
		t.Errorf("conversation length = %d, want %d", len(record.Conversation), n)
	}
}
