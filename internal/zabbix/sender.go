package zabbix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

const senderTimeout = 60 * time.Second

// Sender wraps zabbix_sender for sending data to Zabbix
type Sender struct {
	cfg *config.Config
	log *slog.Logger
}

// SenderData represents data to be sent to Zabbix
type SenderData struct {
	Host  string
	Key   string
	Value string
}

// NewSender creates a new Zabbix sender
func NewSender(cfg *config.Config, log *slog.Logger) *Sender {
	return &Sender{
		cfg: cfg,
		log: log,
	}
}

// Send sends data to Zabbix using zabbix_sender
func (s *Sender) Send(ctx context.Context, data []SenderData) error {
	if len(data) == 0 {
		return nil
	}

	lines := make([]string, 0, len(data))
	for _, d := range data {
		lines = append(lines, fmt.Sprintf(`%s %s %s`, quote(d.Host), quote(d.Key), quote(d.Value)))
	}
	input := strings.Join(lines, "\n") + "\n"

	s.log.Debug("Sending data to Zabbix", slog.Int("items", len(data)))

	ctx, cancel := context.WithTimeout(ctx, senderTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, //nolint:gosec // G204: args come from validated config, not user input
		s.cfg.Zabbix.SenderPath,
		"-z", s.cfg.Zabbix.ServerFQDN,
		"-p", fmt.Sprintf("%d", s.cfg.Zabbix.ServerPort),
		"-i", "-", // read from stdin
	)
	cmd.Stdin = bytes.NewReader([]byte(input))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("zabbix_sender failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	s.log.Debug("zabbix_sender completed", slog.String("output", strings.TrimSpace(string(output))))
	return nil
}

// SendLLD sends Low-Level Discovery data to Zabbix
func (s *Sender) SendLLD(ctx context.Context, host, key string, lldData *LLDData) error {
	jsonData, err := json.Marshal(lldData)
	if err != nil {
		return fmt.Errorf("failed to marshal LLD data: %w", err)
	}
	return s.Send(ctx, []SenderData{{Host: host, Key: key, Value: string(jsonData)}})
}

// SendBatch sends items in chunks so one invocation never gets too large.
func (s *Sender) SendBatch(ctx context.Context, items []SenderData) error {
	const batchSize = 250
	for i := 0; i < len(items); i += batchSize {
		end := min(i+batchSize, len(items))
		if err := s.Send(ctx, items[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// quote renders one field of the zabbix_sender input format. Fields with
// whitespace or quotes are wrapped in double quotes.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\"\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return `"` + v + `"`
}
