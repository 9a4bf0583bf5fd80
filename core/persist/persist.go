// Package persist writes append-only JSONL logs of routing decisions and
// attempt observations, rotated via lumberjack.v2. Per §6, neither log is
// load-bearing: the Core's registries start cold and empty on every
// process start regardless of what these files contain. They exist purely
// for offline analysis and audit, the same role the teacher's ledger/log
// files play for its budget and agent-execution history.
package persist

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaycore/llmcore/core/types"
)

// Options configures one rotated JSONL sink.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (o Options) withDefaults() Options {
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 100
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 7
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 30
	}
	return o
}

// Sink is a single rotated append-only JSONL writer, safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	logger *zap.Logger
}

// NewSink opens (creating if necessary) a rotated JSONL file at opts.Path.
func NewSink(opts Options, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Sink{
		writer: &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		logger: logger,
	}
}

func (s *Sink) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("persist: marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("persist: write failed", zap.Error(err))
	}
}

// Close flushes and closes the underlying rotated file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// DecisionLog appends RoutingDecisions, one JSON object per line.
type DecisionLog struct{ sink *Sink }

// NewDecisionLog constructs a DecisionLog backed by a rotated file at path.
func NewDecisionLog(path string, logger *zap.Logger) *DecisionLog {
	return &DecisionLog{sink: NewSink(Options{Path: path}, logger)}
}

func (d *DecisionLog) Append(decision types.RoutingDecision) { d.sink.writeLine(decision) }
func (d *DecisionLog) Close() error                          { return d.sink.Close() }

// UsageLog appends Observations, one JSON object per line. This is the
// Observation sink the Executor's caller wires to core/executor.Sink.
type UsageLog struct{ sink *Sink }

// NewUsageLog constructs a UsageLog backed by a rotated file at path.
func NewUsageLog(path string, logger *zap.Logger) *UsageLog {
	return &UsageLog{sink: NewSink(Options{Path: path}, logger)}
}

// Observe implements executor.Sink.
func (u *UsageLog) Observe(o types.Observation) { u.sink.writeLine(o) }
func (u *UsageLog) Close() error                { return u.sink.Close() }
