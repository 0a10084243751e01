package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/router"
)

// Sender delivers one part. *router.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, to, body string, opts router.SendOptions) (domain.SendResult, error)
	Typing(ctx context.Context, to string, d time.Duration) error
}

type PipelineConfig struct {
	Sender         Sender
	ChunkLimit     int
	PartDelay      time.Duration
	PreReplyTyping time.Duration
	PreReplyPause  time.Duration
	Metrics        *metrics.Delivery
	Logger         *slog.Logger
}

// Pipeline formats, chunks and paces outbound messages.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
}

// Receipt describes a delivered message.
type Receipt struct {
	Parts      int
	MessageIDs []string
	Transport  domain.Transport
	HardSplit  bool
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = 1500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// Send delivers msg. Replies get a short typing burst and pause first. Parts
// go out strictly in order, each awaited before the next.
func (p *Pipeline) Send(ctx context.Context, msg domain.OutboundMessage) (Receipt, error) {
	body := Format(msg.Body)
	if body == "" && msg.MediaURL == "" {
		return Receipt{}, fmt.Errorf("empty outbound message")
	}
	chunks := Split(body, p.cfg.ChunkLimit)
	if chunks.HardSplit {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.HardSplits.Inc()
		}
		p.logger.Warn("reply needed a hard split", "err", domain.ErrFormatOverflow, "parts", len(chunks.Parts), "len", len(body))
	}

	if msg.Kind == domain.KindReply {
		if err := p.cfg.Sender.Typing(ctx, msg.To, p.cfg.PreReplyTyping); err != nil {
			p.logger.Debug("pre-reply typing failed", "err", err)
		}
		if err := sleepCtx(ctx, p.cfg.PreReplyPause); err != nil {
			return Receipt{}, err
		}
	}

	rcpt := Receipt{HardSplit: chunks.HardSplit}
	for i, part := range chunks.Parts {
		if i > 0 {
			if err := sleepCtx(ctx, p.cfg.PartDelay); err != nil {
				return rcpt, err
			}
		}
		opts := router.SendOptions{Force: msg.Transport}
		if i == 0 {
			opts.MediaURL = msg.MediaURL
		}
		res, err := p.cfg.Sender.Send(ctx, msg.To, part, opts)
		if err != nil {
			return rcpt, fmt.Errorf("send part %d/%d: %w", i+1, len(chunks.Parts), err)
		}
		rcpt.Parts++
		rcpt.MessageIDs = append(rcpt.MessageIDs, res.MessageID)
		rcpt.Transport = res.Transport
	}

	p.logger.Debug("outbound delivered", "kind", msg.Kind, "parts", rcpt.Parts, "transport", rcpt.Transport)
	return rcpt, nil
}

// SendPlain delivers a short system message without the pre-reply cadence.
func (p *Pipeline) SendPlain(ctx context.Context, to, text string) error {
	_, err := p.Send(ctx, domain.OutboundMessage{To: to, Body: text, Kind: domain.KindSystemAck})
	return err
}

// Typing forwards a typing signal to the sender.
func (p *Pipeline) Typing(ctx context.Context, to string, d time.Duration) error {
	return p.cfg.Sender.Typing(ctx, to, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
