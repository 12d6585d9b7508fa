package audit

import (
	"context"
	"strings"
	"testing"
)

func TestInMemoryStoreRecordAndList(t *testing.T) {
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, k := range []Kind{KindSessionCreated, KindTranslationFailed, KindSessionEnded} {
		if err := s.Record(ctx, Event{SessionID: "s1", Kind: k}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	_ = s.Record(ctx, Event{SessionID: "s2", Kind: KindSessionCreated})

	got, err := s.ListSession(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListSession() error = %v", err)
	}
	if len(got) != 2 || got[0].Kind != KindTranslationFailed || got[1].Kind != KindSessionEnded {
		t.Fatalf("events = %+v", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("event not normalized: %+v", got[0])
	}
}

func TestRecordRedactsDetail(t *testing.T) {
	s := NewInMemoryStore()
	_ = s.Record(context.Background(), Event{
		SessionID: "s1",
		Kind:      KindTranslationFailed,
		Detail:    "upstream echoed MRN: 99887766 for jane@example.com",
	})
	got, _ := s.ListSession(context.Background(), "s1", 0)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if strings.Contains(got[0].Detail, "99887766") || strings.Contains(got[0].Detail, "jane@example.com") {
		t.Fatalf("detail not redacted: %q", got[0].Detail)
	}
}
