package server_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/matgreaves/warden/server"
)

// readLines is internal; these tests exercise it through the exported test
// hook in export_test.go.

func collectLines(t *testing.T, input io.ReadCloser) ([]string, error) {
	t.Helper()
	var lines []string
	err := server.ReadLinesForTest(context.Background(), input, func(s string) {
		lines = append(lines, s)
	})
	return lines, err
}

func TestReadLines_SplitsAndStripsCR(t *testing.T) {
	in := io.NopCloser(strings.NewReader("alpha\r\nbeta\ngamma\n"))
	lines, err := collectLines(t, in)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %d", len(lines), lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestReadLines_DropsBlankLines(t *testing.T) {
	in := io.NopCloser(strings.NewReader("one\n\n\r\n\ntwo\n\n"))
	lines, err := collectLines(t, in)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Errorf("got %v, want [one two]", lines)
	}
}

func TestReadLines_FlushesPartialFinalLine(t *testing.T) {
	in := io.NopCloser(strings.NewReader("done\nno newline at end"))
	lines, err := collectLines(t, in)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 2 || lines[1] != "no newline at end" {
		t.Errorf("got %v", lines)
	}
}

func TestReadLines_ReplacesInvalidUTF8(t *testing.T) {
	in := io.NopCloser(strings.NewReader("h\xffi\n"))
	lines, err := collectLines(t, in)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 1 || lines[0] != "h�i" {
		t.Errorf("got %q, want %q", lines, "h�i")
	}
}

func TestReadLines_MultiByteRunesSurviveSplitReads(t *testing.T) {
	// One byte per read forces multi-byte runes to straddle Read calls.
	in := io.NopCloser(iotest.OneByteReader(strings.NewReader("héllo wörld\n")))
	lines, err := collectLines(t, in)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 1 || lines[0] != "héllo wörld" {
		t.Errorf("got %q", lines)
	}
}

func TestReadLines_ReturnsReadError(t *testing.T) {
	wantErr := errors.New("device unplugged")
	in := io.NopCloser(io.MultiReader(
		strings.NewReader("before\n"),
		iotest.ErrReader(wantErr),
	))
	lines, err := collectLines(t, in)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if len(lines) != 1 || lines[0] != "before" {
		t.Errorf("lines before error: %v", lines)
	}
}

func TestReadLines_CancelStopsEmission(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var lines []string
	first := make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- server.ReadLinesForTest(ctx, pr, func(s string) {
			mu.Lock()
			lines = append(lines, s)
			mu.Unlock()
			select {
			case first <- struct{}{}:
			default:
			}
		})
	}()

	if _, err := pw.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first line")
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after cancel")
	}

	// Writes after cancel must not surface anywhere.
	pw.Write([]byte("second\n"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "first" {
		t.Errorf("emission after cancel: %v", lines)
	}
}
