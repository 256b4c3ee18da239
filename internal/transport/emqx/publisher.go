// Package emqx publishes device commands through the EMQX broker's REST API
// (POST /api/v4/mqtt/publish) instead of holding an MQTT session.
package emqx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ctlflow/internal/config"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
)

const maxErrorBody = 4 << 10

// Request is the publish body the broker expects.
type Request struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Encoding string `json:"encoding"`
	QoS      int    `json:"qos"`
	Retain   bool   `json:"retain"`
	ClientID string `json:"clientid"`
}

type Publisher struct {
	url      string
	username string
	password string
	qos      int
	client   *http.Client
}

func New(cfg config.EMQXConfig) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		qos:      cfg.QoS,
		client:   &http.Client{Timeout: timeout},
	}
}

// Publish posts one command. Network errors and 4xx/5xx responses wrap
// domain.ErrTransportUnavailable.
func (p *Publisher) Publish(ctx context.Context, msg dispatch.Outbound) error {
	body, err := json.Marshal(Request{
		Topic:    msg.Topic,
		Payload:  string(msg.Payload),
		Encoding: "plain",
		QoS:      p.qos,
		ClientID: "ctlflow_" + uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encode publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: emqx publish: %w", domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%w: read emqx response: %w", domain.ErrTransportUnavailable, err)
	}
	log.Debug().Str("task_id", msg.TaskID).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("emqx publish")

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: emqx HTTP %d: %s", domain.ErrTransportUnavailable, resp.StatusCode, string(respBody))
	}
	return checkCode(respBody)
}

func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// checkCode inspects the broker's {"code": n} envelope. A body without one is
// accepted.
func checkCode(body []byte) error {
	var env struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &env) != nil || env.Code == nil {
		return nil
	}
	if *env.Code != 0 {
		return fmt.Errorf("%w: emqx code %d: %s", domain.ErrTransportUnavailable, *env.Code, env.Message)
	}
	return nil
}
