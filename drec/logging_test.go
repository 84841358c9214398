package drec

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	log = NewLogger(&buf, "bogus")
	log.Debug().Msg("debug")
	log.Info().Msg("info")
	if strings.Contains(buf.String(), `"debug"`) || !strings.Contains(buf.String(), `"info"`) {
		t.Fatalf("unknown level should mean info, got %q", buf.String())
	}
}

func TestCritical_DoesNotExit(t *testing.T) {
	var buf bytes.Buffer
	critical(NewLogger(&buf, "info")).Msg("fatal error")
	if !strings.Contains(buf.String(), `"level":"fatal"`) {
		t.Fatalf("expected fatal level, got %q", buf.String())
	}
}

func TestOpenLogFile_CreatesDirAndAppends(t *testing.T) {
	p := filepath.Join(t.TempDir(), "log", "SUB1.log")
	for _, line := range []string{"one\n", "two\n"} {
		f, err := OpenLogFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.WriteString(line); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "one\ntwo\n" {
		t.Fatalf("unexpected content %q", string(b))
	}
}
