package tasks

import (
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/config"
)

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(zap.L().With(zap.String("component", "temporal"))),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "tasks: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker creates a worker on queue with both workflows and the activities
// registered.
func NewWorker(c client.Client, queue string, acts *Activities) worker.Worker {
	w := worker.New(c, queue, worker.Options{})
	w.RegisterWorkflow(BuildMatrixWorkflow)
	w.RegisterWorkflow(AggregatePopulationWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Logger adapts zap to the Temporal logger.
type Logger struct {
	s *zap.SugaredLogger
}

// NewLogger wraps l.
func NewLogger(l *zap.Logger) *Logger {
	return &Logger{s: l.Sugar()}
}

func (l *Logger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *Logger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *Logger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *Logger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }
