package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/entity"
)

var log zerolog.Logger

func Init(level string, pretty bool) {
	// Parse log level
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

func Get() *zerolog.Logger {
	return &log
}

func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func WithWorker(workerUUID entity.WorkerUUID) zerolog.Logger {
	return log.With().Str("worker_uuid", string(workerUUID)).Logger()
}

func WithTask(taskUUID entity.TaskUUID) zerolog.Logger {
	return log.With().Str("task_uuid", string(taskUUID)).Logger()
}

func WithCronTask(cronUUID entity.CronTaskUUID) zerolog.Logger {
	return log.With().Str("cron_task_uuid", string(cronUUID)).Logger()
}

func WithNode(nodeUUID entity.SchedulerNodeUUID) zerolog.Logger {
	return log.With().Str("node_uuid", string(nodeUUID)).Logger()
}

// Convenience methods
func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
