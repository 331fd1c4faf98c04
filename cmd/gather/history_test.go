package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/zulandar/gatherchat/internal/models"
)

func TestHistoryCmd(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "history", "-c", cfg)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No stored chat history") {
		t.Errorf("output = %s", out)
	}

	_, st, err := openFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, m := range []models.ChatMessage{
		{ID: "b", EventID: "evt-1", SenderID: "x", SenderName: "Xan", Text: "second", Timestamp: 2000},
		{ID: "a", EventID: "evt-1", SenderID: "u-test", SenderName: "Tester", Text: "first", Timestamp: 1000},
		{ID: "c", EventID: "evt-2", SenderID: "x", Text: "elsewhere", Timestamp: 1500},
	} {
		if err := st.Put(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	out, err = run(t, "", "history", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "evt-1") || !strings.Contains(out, "evt-2") {
		t.Errorf("event list = %s", out)
	}

	out, err = run(t, "", "history", "evt-1", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	first, second := strings.Index(out, "first"), strings.Index(out, "second")
	if first < 0 || second < 0 || first > second {
		t.Errorf("history not in timestamp order: %s", out)
	}
	if !strings.Contains(out, "Tester (you): first") {
		t.Errorf("own message not marked: %s", out)
	}

	out, err = run(t, "", "history", "evt-1", "-c", cfg, "--json", "-n", "1")
	if err != nil {
		t.Fatal(err)
	}
	var msgs []models.ChatMessage
	if err := json.Unmarshal([]byte(out), &msgs); err != nil {
		t.Fatalf("json: %v\n%s", err, out)
	}
	if len(msgs) != 1 || msgs[0].ID != "b" {
		t.Errorf("--json -n 1 = %+v, want only newest", msgs)
	}
}

func TestOutboxCmd(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "", "outbox", "-c", cfg)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if !strings.Contains(out, "Outbox is empty") {
		t.Errorf("output = %s", out)
	}

	_, st, err := openFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Enqueue(context.Background(), models.OutboxEntry{MessageID: "m-1", EventID: "evt-1", Payload: []byte(`{}`), LastError: "transport: not connected"}); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "", "outbox", "-c", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"m-1", "evt-1", "not connected"} {
		if !strings.Contains(out, want) {
			t.Errorf("outbox missing %q: %s", want, out)
		}
	}
}
