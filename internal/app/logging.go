package app

import (
	"fmt"
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/config"
)

// setupLogging configures stderr output and tees every line into sink.
// The returned func detaches sink.
func setupLogging(cfg config.Logging, sink io.Writer) (func(), error) {
	lvl, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	logging.SetupLogging(logging.Config{
		Format: logFormat(cfg.Format),
		Level:  lvl,
		Stderr: true,
	})
	if err := applyLogLevels(cfg); err != nil {
		return nil, err
	}

	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() { _, _ = io.Copy(sink, pipe) }()
	return func() { _ = pipe.Close() }, nil
}

// applyLogLevels sets the global level, then per-subsystem overrides.
func applyLogLevels(cfg config.Logging) error {
	lvl, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	for sys, l := range cfg.Subsystems {
		if err := logging.SetLogLevel(sys, l); err != nil {
			return fmt.Errorf("subsystem %s: %w", sys, err)
		}
	}
	return nil
}

func logFormat(f string) logging.LogFormat {
	switch f {
	case "json":
		return logging.JSONOutput
	case "nocolor":
		return logging.PlaintextOutput
	default:
		return logging.ColorizedOutput
	}
}
