package email

import (
	"context"
	"sync"
)

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, subject string, templateName string, data any) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, subject string, templateName string, data any) error {
	return nil
}

// SentMessage is a rendered message captured by MemoryProvider.
type SentMessage struct {
	To       []string
	Subject  string
	Template string
	Body     string
}

// MemoryProvider renders templates like the SMTP provider but keeps the
// result in memory instead of delivering it.
type MemoryProvider struct {
	mu       sync.Mutex
	messages []SentMessage
}

func (p *MemoryProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, SentMessage{To: to, Subject: subject, Body: htmlBody})
	return nil
}

func (p *MemoryProvider) SendTemplate(ctx context.Context, to []string, subject string, templateName string, data any) error {
	body, err := Render(templateName, data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, SentMessage{To: to, Subject: subject, Template: templateName, Body: body})
	return nil
}

func (p *MemoryProvider) Messages() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
