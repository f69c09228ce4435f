// Package logging provides the structured logger used by every
// Mística actor: client, server worker, router, overlay, and wrapper.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// New creates a structured logger tagged with the running component
// ("mistica-client", "mistica-server", "mistica-keygen") and version.
func New(component, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithVerbosity filters the logger to the level matching the CLI's -v
// count: 0=info, 1=debug, 2 and above=trace.
func (l *Logger) WithVerbosity(v int) *Logger {
	switch {
	case v <= 0:
		return &Logger{logger: l.logger.Level(zerolog.InfoLevel)}
	case v == 1:
		return &Logger{logger: l.logger.Level(zerolog.DebugLevel)}
	default:
		return &Logger{logger: l.logger.Level(zerolog.TraceLevel)}
	}
}

// WithSession adds the log-correlation session id (a uuid, distinct
// from the 8-bit wire session_id) to the logger's context.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{logger: l.logger.With().Str("session_id", sessionID).Logger()}
}

// WithWireSession adds the 8-bit wire session_id to the logger's
// context, alongside any WithSession correlation id already present.
func (l *Logger) WithWireSession(wireSessionID uint8) *Logger {
	return &Logger{logger: l.logger.With().Uint8("wire_session_id", wireSessionID).Logger()}
}

// WithPeer adds a remote peer/carrier address to the logger's context.
func (l *Logger) WithPeer(peerAddr string) *Logger {
	return &Logger{logger: l.logger.With().Str("peer_addr", peerAddr).Logger()}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }

func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// SessionInitializing logs the client sending a RequestAuth or the
// router minting a pending session in response to one.
func (l *Logger) SessionInitializing(tag string) {
	l.logger.Info().Str("overlay_tag", tag).Msg("session initializing")
}

// SessionEstablished logs a route becoming active.
func (l *Logger) SessionEstablished(wireSessionID uint8, overlay, wrapper string) {
	l.logger.Info().
		Uint8("wire_session_id", wireSessionID).
		Str("overlay", overlay).
		Str("wrapper", wrapper).
		Msg("session established")
}

// PacketSent logs one outbound SOTP packet.
func (l *Logger) PacketSent(seq, ack uint16, flags uint8, dataLen int) {
	l.logger.Debug().
		Uint16("seq", seq).
		Uint16("ack", ack).
		Uint8("flags", flags).
		Int("data_len", dataLen).
		Msg("packet sent")
}

// PacketRetried logs a resend triggered by a failed pre-check.
func (l *Logger) PacketRetried(seq uint16, retryCount, maxRetries int) {
	l.logger.Warn().
		Uint16("seq", seq).
		Int("retry_count", retryCount).
		Int("max_retries", maxRetries).
		Msg("retrying last packet")
}

// SessionReinitialized logs a completed reinit round trip.
func (l *Logger) SessionReinitialized(wireSessionID uint8) {
	l.logger.Info().Uint8("wire_session_id", wireSessionID).Msg("session sequence counters reinitialized")
}

// CommsBroken logs the terminal retries-exhausted or carrier-failure
// event.
func (l *Logger) CommsBroken(wireSessionID uint8, reason string) {
	l.logger.Error().
		Uint8("wire_session_id", wireSessionID).
		Str("reason", reason).
		Msg("communications broken, tearing down session")
}

// SessionTerminated logs clean session teardown.
func (l *Logger) SessionTerminated(wireSessionID uint8) {
	l.logger.Info().Uint8("wire_session_id", wireSessionID).Msg("session terminated")
}

// RouteCreated logs the router spawning a new worker.
func (l *Logger) RouteCreated(wireSessionID uint8, overlay, wrapper string) {
	l.logger.Info().
		Uint8("wire_session_id", wireSessionID).
		Str("overlay", overlay).
		Str("wrapper", wrapper).
		Msg("route created")
}

// CarrierFailure logs a wrapper transaction failure.
func (l *Logger) CarrierFailure(wrapper string, err error) {
	l.logger.Error().Str("wrapper", wrapper).Err(err).Msg("carrier transaction failed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
