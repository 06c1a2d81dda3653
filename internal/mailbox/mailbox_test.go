package mailbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestParseCommandMessage(t *testing.T) {
	data := []byte(`{"type":"message","payload":{"targetNamespace":"billing","text":"hi"}}`)
	cmd, err := ParseCommand(data, "billing")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Type != TypeMessage || cmd.Message == nil {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.SourceNamespace != "billing" {
		t.Fatalf("source namespace must come from the directory, got %q", cmd.SourceNamespace)
	}
}

func TestParseCommandIgnoresPayloadIdentityClaims(t *testing.T) {
	// A payload cannot claim to be someone else; the directory wins.
	data := []byte(`{"type":"message","payload":{"targetNamespace":"other","text":"spoof"}}`)
	cmd, err := ParseCommand(data, "intruder")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.SourceNamespace != "intruder" {
		t.Fatalf("expected source namespace intruder, got %q", cmd.SourceNamespace)
	}
}

func TestParseCommandClosedUnion(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"unknown type", `{"type":"drop_tables","payload":{}}`},
		{"not json", `****`},
		{"missing payload", `{"type":"schedule_task"}`},
		{"unknown payload field", `{"type":"message","payload":{"text":"x","extra":true}}`},
		{"empty task id", `{"type":"cancel_task","payload":{"targetNamespace":"a","taskId":""}}`},
		{"empty subagent task", `{"type":"spawn_subagent","payload":{"task":"  "}}`},
	}
	for _, tc := range cases {
		if _, err := ParseCommand([]byte(tc.data), "ns"); !errors.Is(err, ErrParse) {
			t.Fatalf("%s: expected ErrParse, got %v", tc.name, err)
		}
	}
}

func TestParseCommandRefreshSnapshotNoPayload(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"refresh_snapshot"}`), "operator")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Type != TypeRefreshSnapshot {
		t.Fatalf("unexpected type %s", cmd.Type)
	}
}

type recordingHandler struct {
	commands []Command
	fail     bool
}

func (h *recordingHandler) HandleMailboxCommand(_ context.Context, cmd Command) error {
	if h.fail {
		return errors.New("handler refused")
	}
	h.commands = append(h.commands, cmd)
	return nil
}

func writeMailboxFile(t *testing.T, root, namespace, queue, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, namespace, queue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestScanProcessesAndDeletes(t *testing.T) {
	root := t.TempDir()
	quarantine := filepath.Join(root, ".quarantine")
	handler := &recordingHandler{}
	p := NewPoller(root, quarantine, time.Second, handler, zap.NewNop())

	path := writeMailboxFile(t, root, "billing", "messages", "001.json",
		`{"type":"message","payload":{"targetNamespace":"billing","text":"hello"}}`)
	writeMailboxFile(t, root, "operator", "tasks", "002.json",
		`{"type":"schedule_task","payload":{"targetNamespace":"billing","prompt":"daily report","scheduleType":"cron","scheduleValue":"0 9 * * 1"}}`)

	p.ScanOnce(t.Context())

	if len(handler.commands) != 2 {
		t.Fatalf("expected 2 commands handled, got %d", len(handler.commands))
	}
	if handler.commands[0].SourceNamespace != "billing" {
		t.Fatalf("expected billing first (sorted scan), got %q", handler.commands[0].SourceNamespace)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected processed file to be deleted")
	}
	snap := p.Snapshot()
	if snap.TotalProcessed != 2 || snap.TotalQuarantine != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestScanQuarantinesPoisonFiles(t *testing.T) {
	root := t.TempDir()
	quarantine := filepath.Join(root, ".quarantine")
	handler := &recordingHandler{}
	p := NewPoller(root, quarantine, time.Second, handler, zap.NewNop())

	path := writeMailboxFile(t, root, "billing", "messages", "bad.json", `not json at all`)
	p.ScanOnce(t.Context())

	if len(handler.commands) != 0 {
		t.Fatalf("poison file must not reach the handler")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected poison file to be moved out of the queue")
	}
	entries, err := os.ReadDir(quarantine)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one quarantined file, got %v (%v)", entries, err)
	}
	name := entries[0].Name()
	if want := "billing-bad.json-"; len(name) <= len(want) || name[:len(want)] != want {
		t.Fatalf("quarantine name %q missing source and original name tag", name)
	}

	// A second scan must not reprocess or crash.
	p.ScanOnce(t.Context())
	if p.Snapshot().TotalQuarantine != 1 {
		t.Fatalf("expected exactly one quarantined file, got %d", p.Snapshot().TotalQuarantine)
	}
}

func TestScanQuarantinesOnHandlerError(t *testing.T) {
	root := t.TempDir()
	quarantine := filepath.Join(root, ".quarantine")
	handler := &recordingHandler{fail: true}
	p := NewPoller(root, quarantine, time.Second, handler, zap.NewNop())

	writeMailboxFile(t, root, "billing", "messages", "001.json",
		`{"type":"message","payload":{"targetNamespace":"billing","text":"hello"}}`)
	p.ScanOnce(t.Context())

	entries, err := os.ReadDir(quarantine)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected handling failure to quarantine the file, got %v (%v)", entries, err)
	}
}

func TestPollerStartStop(t *testing.T) {
	root := t.TempDir()
	handler := &recordingHandler{}
	p := NewPoller(root, filepath.Join(root, ".quarantine"), 10*time.Millisecond, handler, zap.NewNop())

	ctx, cancel := context.WithCancel(t.Context())
	p.Start(ctx)
	writeMailboxFile(t, root, "ops", "messages", "m.json",
		`{"type":"message","payload":{"targetNamespace":"ops","text":"ping"}}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && p.Snapshot().TotalProcessed == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if p.Snapshot().TotalProcessed == 0 {
		t.Fatalf("poller never processed the file")
	}
	cancel()
	if !p.Wait(5 * time.Second) {
		t.Fatalf("poller did not stop")
	}
	if p.Snapshot().Running {
		t.Fatalf("snapshot still reports running after stop")
	}
}
