// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/sub"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Subsystem identifiers. When adding new subsystems, add them to
// subsystemNames too.
const (
	subsysMain     = "MAIN"
	subsysSubmit   = "SUBM"
	subsysNonce    = "NONC"
	subsysSimulate = "SIMU"
	subsysReceipt  = "RCPT"
	subsysResync   = "RSYN"
	subsysChain    = "CHAN"
	subsysDB       = "DB"
	subsysAPI      = "API"
	subsysAdmin    = "ADMN"
)

var subsystemNames = []string{
	subsysMain, subsysSubmit, subsysNonce, subsysSimulate, subsysReceipt,
	subsysResync, subsysChain, subsysDB, subsysAPI, subsysAdmin,
}

// Loggers should not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = sub.Disabled
)

func isSubsystem(name string) bool {
	for _, s := range subsystemNames {
		if s == name {
			return true
		}
	}
	return false
}

// initLoggers sets the package-level loggers. Component loggers are created
// from the LoggerMaker as the components are constructed.
func initLoggers(lm *sub.LoggerMaker) {
	log = lm.NewLogger(subsysMain)
	db.UseLogger(lm.NewLogger(subsysDB))
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

func closeLogRotator() {
	if logRotator != nil {
		logRotator.Close()
	}
}
