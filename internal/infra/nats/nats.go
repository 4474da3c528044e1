package natsclient

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerLink/config"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 5 * time.Second

// Connect joins the worker bus. JetStream is returned alongside for the link
// audit stream. Connection state changes are logged on zl.
func Connect(cfg config.NATSConfig, name string, zl *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	if name == "" {
		name = "powerlink"
	}
	if zl == nil {
		zl = zap.NewNop()
	}
	zl = zl.Named("nats")
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				zl.Warn("disconnected from worker bus", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zl.Info("reconnected to worker bus", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			zl.Error("worker bus error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	url := buildURL(cfg)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	return conn, js, nil
}

func buildURL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}
