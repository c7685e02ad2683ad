package server

import "time"

// ReadLinesForTest exposes readLines to the external test package.
var ReadLinesForTest = readLines

// DrainForTest exposes the writer drain to the external test package.
func (s *Session) DrainForTest(timeout time.Duration) { s.drainFor(timeout) }
