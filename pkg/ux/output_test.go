// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow, IconBullet} {
		if got := icon.Render(); !strings.Contains(got, string(icon)) {
			t.Errorf("Render(%q) = %q", icon, got)
		}
	}
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("Report")
	p.Success("done")
	p.Warning("careful")
	p.Error("broken")
	p.Info("note")
	p.KeyValue("Files", 3)
	p.Box("Summary", "all good")

	want := []string{
		"Report\n======\n",
		"OK: done\n",
		"WARN: careful\n",
		"ERROR: broken\n",
		"note\n",
		"Files:",
		"Summary: all good\n",
	}
	out := buf.String()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
	if strings.ContainsAny(out, "✓⚠✗│") {
		t.Errorf("plain output contains icons:\n%s", out)
	}
}

func TestPrinter_StyledKeepsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeStyled)
	if !p.Styled() {
		t.Fatal("expected styled mode")
	}

	p.Success("done")
	p.Box("Summary", "all good")

	out := buf.String()
	for _, w := range []string{"done", "Summary", "all good", string(IconSuccess)} {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestPrinter_StyleIsIdentityWhenPlain(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, ModePlain)
	if got := p.Style(Styles.Error, "x"); got != "x" {
		t.Errorf("Style = %q, want %q", got, "x")
	}
}

func TestDetectMode_File(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := DetectMode(f); got != ModePlain {
		t.Errorf("DetectMode(regular file) = %v, want ModePlain", got)
	}
}

func TestDetectMode_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if got := DetectMode(os.Stdout); got != ModePlain {
		t.Errorf("DetectMode with NO_COLOR = %v, want ModePlain", got)
	}
}
