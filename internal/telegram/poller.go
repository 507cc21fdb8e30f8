package telegram

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/toolcrib-dev/toolcrib/internal/detect"
	"github.com/toolcrib-dev/toolcrib/internal/session"
)

const (
	pollWindow   = 30 * time.Second
	pollErrDelay = 3 * time.Second
)

// Poller routes bot updates into the orchestrator. Photos take the long road:
// the orchestrator first confirms one is expected, then the poller downloads
// and analyzes it off the event loop and feeds the result back in.
type Poller struct {
	client   *Client
	orch     *session.Orchestrator
	analyzer detect.Analyzer
	photoDir string
	offset   int64
}

func NewPoller(client *Client, orch *session.Orchestrator, analyzer detect.Analyzer, photoDir string) *Poller {
	return &Poller{
		client:   client,
		orch:     orch,
		analyzer: analyzer,
		photoDir: photoDir,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	if !p.client.Enabled() {
		log.Printf("telegram: no token configured, poller idle")
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := p.client.GetUpdates(ctx, p.offset, pollWindow)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("telegram: get updates: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollErrDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.handle(ctx, u)
		}
	}
}

func (p *Poller) handle(ctx context.Context, u Update) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil {
			return
		}
		chatID := strconv.FormatInt(cq.Message.Chat.ID, 10)
		if err := p.orch.HandleButton(ctx, chatID, cq.ID, cq.Data); err != nil {
			log.Printf("telegram: handle button: %v", err)
		}
	case u.Message != nil && len(u.Message.Photo) > 0:
		p.handlePhoto(ctx, u.Message)
	case u.Message != nil && strings.HasPrefix(strings.TrimSpace(u.Message.Text), "/start"):
		chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
		if err := p.orch.HandleStart(ctx, chatID); err != nil {
			log.Printf("telegram: handle /start: %v", err)
		}
	case u.Message != nil && u.Message.Text != "":
		chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
		if err := p.orch.HandleText(ctx, chatID, u.Message.Text); err != nil {
			log.Printf("telegram: handle text: %v", err)
		}
	}
}

func (p *Poller) handlePhoto(ctx context.Context, msg *Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	route, err := p.orch.RoutePhoto(ctx, chatID)
	if err != nil {
		log.Printf("telegram: route photo: %v", err)
		return
	}
	if route.Reply != "" {
		if err := p.client.Send(ctx, chatID, route.Reply, nil); err != nil {
			log.Printf("telegram: send photo reply: %v", err)
		}
	}
	if !route.Accepted {
		return
	}

	// Largest rendition last.
	fileID := msg.Photo[len(msg.Photo)-1].FileID
	detected, err := p.analyzePhoto(ctx, fileID)
	if err != nil {
		log.Printf("telegram: analyze photo for tray %d: %v", route.Tray, err)
		if err := p.orch.SubmitPhotoAnalysis(ctx, chatID, route.Tray, nil, true); err != nil {
			log.Printf("telegram: submit failed analysis: %v", err)
		}
		return
	}
	if err := p.orch.SubmitPhotoAnalysis(ctx, chatID, route.Tray, detected, false); err != nil {
		log.Printf("telegram: submit analysis: %v", err)
	}
}

func (p *Poller) analyzePhoto(ctx context.Context, fileID string) ([]string, error) {
	path, err := p.client.DownloadPhoto(ctx, fileID, p.photoDir)
	if err != nil {
		return nil, err
	}
	return p.analyzer.Analyze(ctx, path)
}
