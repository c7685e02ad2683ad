package server

import (
	"bufio"
	"context"
	"io"
	"strings"
	"unicode/utf8"
)

// Scanner buffer sizing for child output: generous initial buffer, 1MiB
// hard cap per line.
const (
	readerBufSize = 64 * 1024
	readerMaxLine = 1024 * 1024
)

// readLines consumes a child stream and calls emit once per line until EOF,
// a read error, or cancellation.
//
// Line handling: split on '\n' with any trailing '\r' stripped; invalid
// UTF-8 sequences are replaced with U+FFFD (a '\n' byte can never fall
// inside a multi-byte rune, so per-line repair is stream-safe); blank lines
// are dropped entirely; a non-empty partial line at EOF is flushed.
//
// On cancellation the residual buffer is discarded, the stream is closed to
// unblock the pending read, and nothing further is emitted. A read error
// with ctx still live is returned for the caller to record.
func readLines(ctx context.Context, rc io.ReadCloser, emit func(string)) error {
	defer rc.Close()

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, readerBufSize), readerMaxLine)
		for sc.Scan() {
			line := strings.ToValidUTF8(sc.Text(), string(utf8.RuneError))
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case line := <-lines:
			emit(line)
		case err := <-scanErr:
			return err
		case <-ctx.Done():
			// Close unblocks the scanner; a second Close from the
			// deferred call is harmless on pipe files.
			rc.Close()
			return ctx.Err()
		}
	}
}
