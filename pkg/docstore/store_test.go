package docstore

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	serrors "github.com/nainya/spatialstore/internal/errors"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestPutGet(t *testing.T) {
	s, _ := setupTestStore(t)

	doc, err := s.Put("a", json.RawMessage(`{ "loc": [1, 2] }`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if doc.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", doc.Seq)
	}

	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Body) != `{"loc":[1,2]}` {
		t.Errorf("Expected compacted body, got %s", got.Body)
	}
	if s.Seq() != 1 || s.Len() != 1 {
		t.Errorf("Expected seq 1 and 1 document, got %d and %d", s.Seq(), s.Len())
	}
}

func TestPutRejectsNonObjects(t *testing.T) {
	s, _ := setupTestStore(t)

	for _, body := range []string{`[1,2]`, `"x"`, `null`, `{`, ``} {
		_, err := s.Put("bad", json.RawMessage(body))
		if serrors.GetCode(err) != serrors.CodeInvalidDocument {
			t.Errorf("body %q: expected INVALID_DOCUMENT, got %v", body, err)
		}
	}
	if _, err := s.Put("", json.RawMessage(`{}`)); !serrors.IsValidation(err) {
		t.Errorf("missing id must be rejected, got %v", err)
	}
	if s.Seq() != 0 {
		t.Errorf("Rejected writes must not consume sequences, got %d", s.Seq())
	}
}

func TestDelete(t *testing.T) {
	s, _ := setupTestStore(t)

	if _, err := s.Delete("missing"); !serrors.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	s.Put("a", json.RawMessage(`{}`))
	doc, err := s.Delete("a")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !doc.Deleted || doc.Seq != 2 {
		t.Errorf("Unexpected tombstone: %+v", doc)
	}
	if _, err := s.Get("a"); !serrors.IsNotFound(err) {
		t.Errorf("Deleted document must not be readable, got %v", err)
	}
	if _, err := s.Delete("a"); !serrors.IsNotFound(err) {
		t.Errorf("Second delete must fail, got %v", err)
	}
}

func TestChangesSinceReturnsLatestVersions(t *testing.T) {
	s, _ := setupTestStore(t)

	s.Put("a", json.RawMessage(`{"v":1}`)) // 1
	s.Put("b", json.RawMessage(`{"v":1}`)) // 2
	s.Put("a", json.RawMessage(`{"v":2}`)) // 3
	s.Put("c", json.RawMessage(`{"v":1}`)) // 4
	s.Delete("b")                          // 5

	changes := s.ChangesSince(0, 0)
	want := []struct {
		seq     uint64
		id      string
		deleted bool
	}{
		{3, "a", false},
		{4, "c", false},
		{5, "b", true},
	}
	if len(changes) != len(want) {
		t.Fatalf("Expected %d changes, got %d", len(want), len(changes))
	}
	for i, w := range want {
		c := changes[i]
		if c.Seq != w.seq || c.Document.ID != w.id || c.Document.Deleted != w.deleted {
			t.Errorf("change %d: got %+v, want %+v", i, c, w)
		}
	}

	if got := s.ChangesSince(3, 0); len(got) != 2 {
		t.Errorf("Expected 2 changes after seq 3, got %d", len(got))
	}
	if got := s.ChangesSince(0, 1); len(got) != 1 || got[0].Seq != 3 {
		t.Errorf("Limit not honored: %+v", got)
	}
	if got := s.ChangesSince(5, 0); len(got) != 0 {
		t.Errorf("Expected no changes after head, got %d", len(got))
	}
}

func TestBulkPutIsOneBatch(t *testing.T) {
	s, _ := setupTestStore(t)

	docs, err := s.BulkPut([]Document{
		{ID: "x", Body: json.RawMessage(`{"n":1}`)},
		{ID: "y", Body: json.RawMessage(`{"n":2}`)},
		{ID: "z", Body: json.RawMessage(`{"n":3}`)},
	})
	if err != nil {
		t.Fatalf("BulkPut failed: %v", err)
	}
	for i, doc := range docs {
		if doc.Seq != uint64(i+1) {
			t.Errorf("doc %s: expected seq %d, got %d", doc.ID, i+1, doc.Seq)
		}
	}

	_, err = s.BulkPut([]Document{
		{ID: "ok", Body: json.RawMessage(`{}`)},
		{ID: "bad", Body: json.RawMessage(`[]`)},
	})
	if err == nil {
		t.Fatal("Expected batch with invalid body to fail")
	}
	if _, err := s.Get("ok"); !serrors.IsNotFound(err) {
		t.Error("A rejected batch must not be partially applied")
	}
}

func TestReopenReplaysLog(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		s.Put(fmt.Sprintf("doc-%d", i%5), json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	s.Delete("doc-0")
	s.Close()

	s, err = Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()

	if s.Seq() != 21 {
		t.Errorf("Expected seq 21 after reopen, got %d", s.Seq())
	}
	if s.Len() != 4 {
		t.Errorf("Expected 4 live documents, got %d", s.Len())
	}
	doc, err := s.Get("doc-4")
	if err != nil {
		t.Fatal(err)
	}
	if string(doc.Body) != `{"n":19}` || doc.Seq != 20 {
		t.Errorf("Unexpected latest version: %+v", doc)
	}
	if got := s.ChangesSince(0, 0); len(got) != 5 {
		t.Errorf("Expected one change per document, got %d", len(got))
	}
}

func TestChangedIsBroadcast(t *testing.T) {
	s, _ := setupTestStore(t)

	ch := s.Changed()
	select {
	case <-ch:
		t.Fatal("Channel closed before any write")
	default:
	}

	go s.Put("a", json.RawMessage(`{}`))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Write was not broadcast")
	}
	if s.Changed() == ch {
		t.Error("Expected a fresh channel after broadcast")
	}
}

func TestFeedCompaction(t *testing.T) {
	s, _ := setupTestStore(t)

	for i := 0; i < 3000; i++ {
		if _, err := s.Put("hot", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}
	s.mu.RLock()
	feedLen := len(s.feed)
	s.mu.RUnlock()
	if feedLen > 2100 {
		t.Errorf("Feed was not compacted: %d entries", feedLen)
	}

	changes := s.ChangesSince(0, 0)
	if len(changes) != 1 || changes[0].Seq != 3000 {
		t.Errorf("Expected only the latest version, got %+v", changes)
	}
}

func TestDocumentField(t *testing.T) {
	doc := Document{ID: "a", Body: json.RawMessage(`{"loc":[1,2],"geo":{"geometry":{"type":"Point"}},"n":null}`)}

	if raw, ok := doc.Field("loc"); !ok || string(raw) != `[1,2]` {
		t.Errorf("loc: got %s %v", raw, ok)
	}
	if raw, ok := doc.Field("geo.geometry"); !ok || string(raw) != `{"type":"Point"}` {
		t.Errorf("geo.geometry: got %s %v", raw, ok)
	}
	if _, ok := doc.Field("n"); ok {
		t.Error("null field must be reported missing")
	}
	if _, ok := doc.Field("loc.x"); ok {
		t.Error("descending into an array must fail")
	}
	if _, ok := (Document{ID: "d", Deleted: true}).Field("loc"); ok {
		t.Error("tombstones have no fields")
	}
}
