package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshivr/meshivr/internal/dialog"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleHistory(sessionID string, answered time.Time) *dialog.CallHistory {
	h := dialog.NewCallHistory(sessionID, answered, "+27831234567", "100")
	h.HangupTime = answered.Add(45 * time.Second)
	h.Completed = true
	h.Nodes = []dialog.NodeRecord{
		{
			Name:        "greeting",
			StartTime:   answered,
			EndTime:     answered.Add(10 * time.Second),
			DTMF:        "2",
			DTMFTime:    answered.Add(8 * time.Second),
			DTMFBargeIn: true,
		},
		{
			Name:             "menu",
			StartTime:        answered.Add(10 * time.Second),
			EndTime:          answered.Add(40 * time.Second),
			ASRUtterance:     "balance",
			ASRScore:         0.92,
			ASRLevel:         "HIGH",
			ASRBargeIn:       true,
			ASRBargeInMillis: 340,
			IsInvalid:        true,
		},
		{
			Name:      "goodbye",
			StartTime: answered.Add(40 * time.Second),
			EndTime:   answered.Add(45 * time.Second),
			IsTimeout: true,
		},
	}
	return h
}

func TestSaveAndGetCall(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	answered := time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)

	want := sampleHistory("pbx-1718184600.42", answered)
	if err := db.SaveCall(ctx, want); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	got, err := db.GetCall(ctx, want.SessionID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.CallerNumber != want.CallerNumber || got.DialedNumber != want.DialedNumber {
		t.Errorf("numbers = %q/%q, want %q/%q",
			got.CallerNumber, got.DialedNumber, want.CallerNumber, want.DialedNumber)
	}
	if !got.Completed {
		t.Error("Completed = false, want true")
	}
	if len(got.Nodes) != len(want.Nodes) {
		t.Fatalf("len(Nodes) = %d, want %d", len(got.Nodes), len(want.Nodes))
	}
	for i := range want.Nodes {
		w, g := want.Nodes[i], got.Nodes[i]
		if g.Name != w.Name {
			t.Errorf("node %d name = %q, want %q", i, g.Name, w.Name)
		}
		if g.DTMF != w.DTMF || g.DTMFBargeIn != w.DTMFBargeIn {
			t.Errorf("node %d dtmf = %q/%v, want %q/%v", i, g.DTMF, g.DTMFBargeIn, w.DTMF, w.DTMFBargeIn)
		}
		if g.ASRUtterance != w.ASRUtterance || g.ASRScore != w.ASRScore || g.ASRLevel != w.ASRLevel {
			t.Errorf("node %d asr = %q/%v/%q, want %q/%v/%q",
				i, g.ASRUtterance, g.ASRScore, g.ASRLevel, w.ASRUtterance, w.ASRScore, w.ASRLevel)
		}
		if g.IsTimeout != w.IsTimeout || g.IsInvalid != w.IsInvalid {
			t.Errorf("node %d flags = %v/%v, want %v/%v", i, g.IsTimeout, g.IsInvalid, w.IsTimeout, w.IsInvalid)
		}
	}
}

func TestGetCallNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetCall(context.Background(), "no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCall error = %v, want ErrNotFound", err)
	}
}

func TestSaveCallReplaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	answered := time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)

	h := sampleHistory("pbx-1.1", answered)
	if err := db.SaveCall(ctx, h); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	h.Nodes = h.Nodes[:1]
	h.Completed = false
	if err := db.SaveCall(ctx, h); err != nil {
		t.Fatalf("SaveCall again: %v", err)
	}

	got, err := db.GetCall(ctx, h.SessionID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if len(got.Nodes) != 1 || got.Completed {
		t.Errorf("replaced call has %d nodes, completed=%v; want 1 node, not completed",
			len(got.Nodes), got.Completed)
	}

	count, err := db.CallCount(ctx)
	if err != nil {
		t.Fatalf("CallCount: %v", err)
	}
	if count != 1 {
		t.Errorf("CallCount = %d, want 1", count)
	}
}

func TestListCallsOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"s-old", "s-mid", "s-new"} {
		h := sampleHistory(id, base.Add(time.Duration(i)*time.Hour))
		if err := db.SaveCall(ctx, h); err != nil {
			t.Fatalf("SaveCall %s: %v", id, err)
		}
	}

	list, err := db.ListCalls(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
	if list[0].SessionID != "s-new" || list[1].SessionID != "s-mid" {
		t.Errorf("order = %s, %s; want s-new, s-mid", list[0].SessionID, list[1].SessionID)
	}
	if list[0].NodeCount != 3 {
		t.Errorf("NodeCount = %d, want 3", list[0].NodeCount)
	}
}

func TestPruneCalls(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	old := sampleHistory("s-old", base)
	recent := sampleHistory("s-recent", base.AddDate(0, 0, 20))
	for _, h := range []*dialog.CallHistory{old, recent} {
		if err := db.SaveCall(ctx, h); err != nil {
			t.Fatalf("SaveCall: %v", err)
		}
	}

	n, err := db.PruneCalls(ctx, base.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("PruneCalls: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d calls, want 1", n)
	}
	if _, err := db.GetCall(ctx, "s-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old call still present, err = %v", err)
	}
	if _, err := db.GetCall(ctx, "s-recent"); err != nil {
		t.Errorf("recent call gone: %v", err)
	}
}
