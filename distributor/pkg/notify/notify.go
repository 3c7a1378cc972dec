// Package notify posts failed stage reports to a Slack incoming webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/slack-go/slack"
)

type Config struct {
	Logger     *slog.Logger
	WebhookURL string
	HTTPClient *http.Client

	// MaxFailures caps the failures listed in one message.
	MaxFailures int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	return nil
}

type Notifier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{log: cfg.Logger, cfg: cfg}, nil
}

// Report posts rep when it did not pass. Passing reports are not sent.
func (n *Notifier) Report(ctx context.Context, rep *report.Report) error {
	if rep.Passed {
		return nil
	}
	msg := Message(rep, n.cfg.MaxFailures)
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.cfg.WebhookURL, n.cfg.HTTPClient, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	n.log.Info("notify: posted failure report", "stage", rep.Stage, "failures", len(rep.Failures))
	return nil
}

// Message renders rep as a webhook message listing at most limit failures.
func Message(rep *report.Report, limit int) *slack.WebhookMessage {
	header := fmt.Sprintf("mevdist %s failed for epoch %d", rep.Stage, rep.Epoch)
	if rep.DryRun {
		header += " (dry run)"
	}

	var b strings.Builder
	for i, f := range rep.Failures {
		if i == limit {
			fmt.Fprintf(&b, "_and %d more_\n", len(rep.Failures)-limit)
			break
		}
		unit := f.Validator
		if f.Unit != "" {
			unit += " / " + f.Unit
		}
		fmt.Fprintf(&b, "• `%s` *%s*: %s\n", unit, f.Kind, f.Reason)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, rep.Summary(), false, false), nil, nil),
	}
	if b.Len() > 0 {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false), nil, nil))
	}
	if rep.RunID != "" {
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, "run "+rep.RunID, false, false)))
	}
	return &slack.WebhookMessage{
		Text:   header,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}
