package logging

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/logdyhq/logdy-core/logdy"
	"github.com/rs/zerolog/log"

	"camevents-worker-go/internal/config"
)

// logdyWriter forwards each zerolog line to the embedded Logdy UI
type logdyWriter struct {
	ui logdy.Logdy
}

func (w *logdyWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	if len(line) > 0 {
		w.ui.LogString(string(line))
	}
	return len(p), nil
}

// StartLogdy starts the embedded Logdy UI and returns a writer to tee logs into
func StartLogdy(cfg *config.Config) (io.Writer, error) {
	if cfg.LogdyPort <= 0 {
		return nil, fmt.Errorf("invalid LOGDY_PORT %d", cfg.LogdyPort)
	}

	port := strconv.Itoa(cfg.LogdyPort)
	ui := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: port,
	}, nil)

	log.Info().Str("url", fmt.Sprintf("http://%s:%s", cfg.LogdyHost, port)).Msg("Logdy UI available")
	return &logdyWriter{ui: ui}, nil
}
