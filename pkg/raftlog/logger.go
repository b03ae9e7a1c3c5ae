// Package raftlog adapts zerolog to raft.Logger. Grounded on the
// teacher's use of structured leveled logging at node call sites; this
// package supplies the concrete implementation the teacher left as
// inline log.Printf calls.
package raftlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger implements raft.Logger over a zerolog.Logger.
type Logger struct {
	z zerolog.Logger
}

// New returns a Logger writing human-readable console output to w. A nil
// w defaults to os.Stderr.
func New(nodeID string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return &Logger{z: zerolog.New(console).With().Timestamp().Str("node", nodeID).Logger()}
}

// NewJSON returns a Logger writing structured JSON to w, for production
// deployments where logs are shipped to an aggregator.
func NewJSON(nodeID string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{z: zerolog.New(w).With().Timestamp().Str("node", nodeID).Logger()}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.z.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.z.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.z.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.z.Error().Msgf(format, args...) }
