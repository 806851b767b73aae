package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"zipchat/apperrors"
)

type storeFactory func(t *testing.T, clock *testClock) MessageStore

func TestSQLiteMessageStore(t *testing.T) {
	runMessageStoreSuite(t, func(t *testing.T, clock *testClock) MessageStore {
		return newTestStore(t, WithClock(clock.Now))
	})
}

func runMessageStoreSuite(t *testing.T, open storeFactory) {
	t.Run("CreateRoundTrip", func(t *testing.T) { testCreateRoundTrip(t, open) })
	t.Run("CreateValidation", func(t *testing.T) { testCreateValidation(t, open) })
	t.Run("FindByRecipientNewestFirst", func(t *testing.T) { testFindByRecipientNewestFirst(t, open) })
	t.Run("FindByRecipientExcludesDeleted", func(t *testing.T) { testFindByRecipientExcludesDeleted(t, open) })
	t.Run("MarkAsReadIdempotent", func(t *testing.T) { testMarkAsReadIdempotent(t, open) })
	t.Run("SoftDeleteIdempotent", func(t *testing.T) { testSoftDeleteIdempotent(t, open) })
	t.Run("CleanupExpired", func(t *testing.T) { testCleanupExpired(t, open) })
	t.Run("FindConversation", func(t *testing.T) { testFindConversation(t, open) })
}

func mustCreate(t *testing.T, store MessageStore, msg NewMessage) string {
	t.Helper()
	created, err := store.Create(context.Background(), msg)
	if err != nil {
		t.Fatalf("Create %s->%s failed: %v", msg.SenderID, msg.RecipientID, err)
	}
	return created.ID
}

func messageIDs(t *testing.T, store MessageStore, recipientID string) []string {
	t.Helper()
	messages, err := store.FindByRecipient(context.Background(), recipientID)
	if err != nil {
		t.Fatalf("FindByRecipient(%q) failed: %v", recipientID, err)
	}
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Deleted {
			t.Fatalf("FindByRecipient returned deleted message %q", m.ID)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func testCreateRoundTrip(t *testing.T, open storeFactory) {
	clock := newTestClock()
	store := open(t, clock)
	ctx := context.Background()

	expiresAt := clock.Now().Add(time.Hour).UnixMilli()
	created, err := store.Create(ctx, NewMessage{
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "Y2lwaGVydGV4dA==",
		IV:          "aXY=",
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.ID == "" {
		t.Fatalf("expected server-assigned id")
	}
	if created.CreatedAt != clock.Now().UnixMilli() {
		t.Fatalf("expected created_at %d, got %d", clock.Now().UnixMilli(), created.CreatedAt)
	}
	if created.Read || created.Deleted {
		t.Fatalf("expected read/deleted to default false, got %+v", created)
	}
	if created.ExpiresAt == nil || *created.ExpiresAt != expiresAt {
		t.Fatalf("expected expires_at %d, got %v", expiresAt, created.ExpiresAt)
	}

	fetched, err := store.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.SenderID != "alice" || fetched.RecipientID != "bob" ||
		fetched.Content != created.Content || fetched.IV != created.IV {
		t.Fatalf("stored record mismatch: %+v vs %+v", fetched, created)
	}

	second, err := store.Create(ctx, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "x", IV: "y"})
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if second.ID == created.ID {
		t.Fatalf("expected distinct ids")
	}
	if second.ExpiresAt != nil {
		t.Fatalf("expected nil expires_at, got %d", *second.ExpiresAt)
	}

	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}

func testCreateValidation(t *testing.T, open storeFactory) {
	store := open(t, newTestClock())
	ctx := context.Background()

	cases := map[string]NewMessage{
		"missing sender":    {RecipientID: "b", Content: "c", IV: "i"},
		"missing recipient": {SenderID: "a", Content: "c", IV: "i"},
		"missing content":   {SenderID: "a", RecipientID: "b", IV: "i"},
		"missing iv":        {SenderID: "a", RecipientID: "b", Content: "c"},
	}
	for name, msg := range cases {
		if _, err := store.Create(ctx, msg); apperrors.KindOf(err) != apperrors.KindValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}

	if ids := messageIDs(t, store, "b"); len(ids) != 0 {
		t.Fatalf("expected no rows after rejected creates, got %d", len(ids))
	}
}

func testFindByRecipientNewestFirst(t *testing.T, open storeFactory) {
	clock := newTestClock()
	store := open(t, clock)

	first := mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "1", IV: "i"})
	clock.Advance(time.Second)
	second := mustCreate(t, store, NewMessage{SenderID: "carol", RecipientID: "bob", Content: "2", IV: "i"})
	third := mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "3", IV: "i"})
	mustCreate(t, store, NewMessage{SenderID: "bob", RecipientID: "alice", Content: "other", IV: "i"})

	ids := messageIDs(t, store, "bob")
	want := []string{third, second, first}
	if len(ids) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], ids[i])
		}
	}

	if ids := messageIDs(t, store, "nobody"); len(ids) != 0 {
		t.Fatalf("expected empty result for unknown recipient, got %d", len(ids))
	}
}

func testFindByRecipientExcludesDeleted(t *testing.T, open storeFactory) {
	store := open(t, newTestClock())
	ctx := context.Background()

	kept := mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "keep", IV: "i"})
	removed := mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "drop", IV: "i"})

	if err := store.SoftDelete(ctx, removed); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	ids := messageIDs(t, store, "bob")
	if len(ids) != 1 || ids[0] != kept {
		t.Fatalf("expected only %q, got %v", kept, ids)
	}
}

func testMarkAsReadIdempotent(t *testing.T, open storeFactory) {
	store := open(t, newTestClock())
	ctx := context.Background()
	id := mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "c", IV: "i"})

	if err := store.MarkAsRead(ctx, id); err != nil {
		t.Fatalf("first MarkAsRead failed: %v", err)
	}
	once, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if err := store.MarkAsRead(ctx, id); err != nil {
		t.Fatalf("second MarkAsRead failed: %v", err)
	}
	twice, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if !once.Read || *once != *twice {
		t.Fatalf("expected identical read state, got %+v then %+v", once, twice)
	}

	if err := store.MarkAsRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSoftDeleteIdempotent(t *testing.T, open storeFactory) {
	store := open(t, newTestClock())
	ctx := context.Background()
	id := mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "c", IV: "i"})

	for i := 0; i < 2; i++ {
		if err := store.SoftDelete(ctx, id); err != nil {
			t.Fatalf("SoftDelete #%d failed: %v", i+1, err)
		}
		got, err := store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("soft-deleted row should still exist: %v", err)
		}
		if !got.Deleted || got.Read {
			t.Fatalf("unexpected flags after SoftDelete #%d: %+v", i+1, got)
		}
	}

	if err := store.SoftDelete(ctx, ""); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
}

func testCleanupExpired(t *testing.T, open storeFactory) {
	clock := newTestClock()
	store := open(t, clock)
	ctx := context.Background()

	past := clock.Now().Add(-time.Second).UnixMilli()
	future := clock.Now().Add(time.Hour).UnixMilli()

	expired := mustCreate(t, store, NewMessage{SenderID: "a", RecipientID: "b", Content: "expired", IV: "i", ExpiresAt: int64Of(past)})
	expiredDeleted := mustCreate(t, store, NewMessage{SenderID: "a", RecipientID: "b", Content: "expired-deleted", IV: "i", ExpiresAt: int64Of(past)})
	pending := mustCreate(t, store, NewMessage{SenderID: "a", RecipientID: "b", Content: "future", IV: "i", ExpiresAt: int64Of(future)})
	forever := mustCreate(t, store, NewMessage{SenderID: "a", RecipientID: "b", Content: "forever", IV: "i"})

	if err := store.SoftDelete(ctx, expiredDeleted); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged row, got %d", removed)
	}

	if _, err := store.GetByID(ctx, expired); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired message to be gone, got %v", err)
	}
	for _, id := range []string{expiredDeleted, pending, forever} {
		if _, err := store.GetByID(ctx, id); err != nil {
			t.Fatalf("expected %q to survive cleanup: %v", id, err)
		}
	}
	for _, id := range messageIDs(t, store, "b") {
		if id == expired {
			t.Fatalf("purged message still listed")
		}
	}

	removed, err = store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second CleanupExpired failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no rows on second sweep, got %d", removed)
	}

	clock.Advance(2 * time.Hour)
	removed, err = store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("late CleanupExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected future message to expire later, got %d", removed)
	}
}

func testFindConversation(t *testing.T, open storeFactory) {
	clock := newTestClock()
	store := open(t, clock)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		sender, recipient := "alice", "bob"
		if i%2 == 1 {
			sender, recipient = recipient, sender
		}
		ids = append(ids, mustCreate(t, store, NewMessage{SenderID: sender, RecipientID: recipient, Content: "m", IV: "i"}))
		clock.Advance(time.Second)
	}
	mustCreate(t, store, NewMessage{SenderID: "alice", RecipientID: "carol", Content: "elsewhere", IV: "i"})
	if err := store.SoftDelete(ctx, ids[2]); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	page, err := store.FindConversation(ctx, ConversationQuery{UserID: "bob", OtherUserID: "alice"})
	if err != nil {
		t.Fatalf("FindConversation failed: %v", err)
	}
	want := []string{ids[4], ids[3], ids[1], ids[0]}
	if len(page) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(page))
	}
	for i := range want {
		if page[i].ID != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], page[i].ID)
		}
	}

	limited, err := store.FindConversation(ctx, ConversationQuery{
		UserID:      "alice",
		OtherUserID: "bob",
		Limit:       1,
		Before:      int64Of(page[0].CreatedAt),
	})
	if err != nil {
		t.Fatalf("FindConversation with cursor failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != ids[3] {
		t.Fatalf("expected single message %q before cursor, got %+v", ids[3], limited)
	}

	if _, err := store.FindConversation(ctx, ConversationQuery{UserID: "alice"}); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
