package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/stagebus/sym"
)

// Instance logger wrappers. They attach a subsystem glyph as a structured
// field so logs stay queryable by subsystem without decorating messages.
//
//	o.busLog = logger.AddBusSymbol(baseLogger)
//	o.busLog.Infow("Command claimed", "command_id", id)

// AddSymbol wraps l with an arbitrary glyph.
func AddSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldSymbol, glyph)
}

// AddBusSymbol wraps a logger with the Bus symbol (⇄)
func AddBusSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return AddSymbol(l, sym.Bus)
}

// AddStagingSymbol wraps a logger with the Staging symbol (⧉)
func AddStagingSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return AddSymbol(l, sym.Staging)
}

// AddOrchestratorSymbol wraps a logger with the Orchestrator symbol (꩜)
func AddOrchestratorSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return AddSymbol(l, sym.Orchestrator)
}

// AddOpenSymbol wraps a logger with the Open symbol (✿), used during startup recovery
func AddOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return AddSymbol(l, sym.Open)
}

// AddCloseSymbol wraps a logger with the Close symbol (❀), used while draining on shutdown
func AddCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return AddSymbol(l, sym.Close)
}

