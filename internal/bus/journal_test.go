package bus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

func newTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := NewJournal(dir, testLogger(t))
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	return j
}

func TestJournalWriteAssignsSequence(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir)

	m1, err := j.Write("a", "b", "first")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	m2, err := j.Write("a", "b", "second")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if m1.Seq != 1 || m2.Seq != 2 {
		t.Errorf("seq = %d, %d, want 1, 2", m1.Seq, m2.Seq)
	}

	if _, err := os.Stat(filepath.Join(dir, "messages.jsonl")); err != nil {
		t.Errorf("journal file missing: %v", err)
	}
}

func TestJournalCheckFiltersAndMarksRead(t *testing.T) {
	dir := t.TempDir()
	writer := newTestJournal(t, dir)
	reader := newTestJournal(t, dir)

	if _, err := writer.Write("lead", "w1", "direct"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := writer.Broadcast("lead", "everyone"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if _, err := writer.Write("lead", "w2", "not for w1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	msgs, err := reader.Check("w1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Check returned %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "direct" || msgs[1].Content != "everyone" {
		t.Errorf("unexpected messages: %+v", msgs)
	}

	// Already-read messages do not reappear.
	again, err := reader.Check("w1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Check returned %d messages, want 0", len(again))
	}
}

func TestJournalBroadcastExcludesSender(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir)

	if _, err := j.Broadcast("a", "hi"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	msgs, err := j.Check("a")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("sender saw %d messages, want 0", len(msgs))
	}
}

func TestJournalIndependentCursors(t *testing.T) {
	dir := t.TempDir()
	j1 := newTestJournal(t, dir)
	j2 := newTestJournal(t, dir)

	if _, err := j1.Broadcast("lead", "hello"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	// Each instance keeps its own cursor, as separate processes would.
	for i, j := range []*Journal{j1, j2} {
		msgs, err := j.Check("w1")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("instance %d saw %d messages, want 1", i, len(msgs))
		}
	}
}

func TestJournalOnDiskFormat(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir)

	msg, err := j.Write("a", v1.BroadcastRecipient, "x")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !msg.Broadcast() {
		t.Error("broadcast marker not preserved")
	}

	data, err := os.ReadFile(filepath.Join(dir, "messages.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	for _, key := range []string{`"from"`, `"to"`, `"content"`, `"timestamp"`, `"seq"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("journal line missing key %s: %s", key, data)
		}
	}
}
