package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedDefaults(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg, err := c.Render("error.out_of_turn", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.TrimSpace(msg) == "" {
		t.Fatalf("empty message")
	}
}

func TestRenderWithData(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg, err := c.Render("session.ended.checkmate", map[string]string{"Winner": "Ada"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg, "Ada") {
		t.Fatalf("winner not interpolated: %q", msg)
	}
}

func TestRenderMissingKey(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render("no.such.key", nil); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestRenderMissingTemplateData(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render("session.ended.checkmate", map[string]string{}); err == nil {
		t.Fatalf("missing template key should error")
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	override := "queue:\n  fallback: \"Custom fallback text\"\n"
	if err := os.WriteFile(filepath.Join(dir, "override.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg, err := c.Render("queue.fallback", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg != "Custom fallback text" {
		t.Fatalf("override ignored: %q", msg)
	}
	// Untouched keys keep the embedded default.
	if _, err := c.Render("error.desync", nil); err != nil {
		t.Fatalf("default lost after override: %v", err)
	}
}

func TestOverrideDirDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("queue:\n  fallback: \"x\"\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("duplicate override keys should be rejected")
	}
}
