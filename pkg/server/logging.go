package server

import (
	"io"
	"log"
	"os"
)

var (
	// errorLog always writes; debugLog is discarded until EnableDebugLogging
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging turns on per-session and wire-level logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
