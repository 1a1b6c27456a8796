package serve

import (
	"context"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
)

// startManagementServer serves health and metrics on a dedicated port. Plaintext is
// enabled when neither mode was requested.
func startManagementServer(cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	running, err := listen("management", cfg, handler)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running.Addr, running.Close, nil
}
