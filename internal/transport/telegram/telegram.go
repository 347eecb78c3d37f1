package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outgoing calls across all campaigns.
	// Telegram throttles bots around 30 msg/s globally.
	SendRatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()

	push := func(up transport.Update) {
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
	}

	content := func(m *tele.Message) *transport.Message {
		msg := &transport.Message{
			ID:            m.ID,
			ChatID:        m.Chat.ID,
			IsGroup:       m.Chat.Type != tele.ChatPrivate,
			Text:          m.Text,
			Entities:      fromTeleEntities(m.Entities),
			Caption:       m.Caption,
			CaptionEntities: fromTeleEntities(m.CaptionEntities),
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
			msg.FromFirstName = m.Sender.FirstName
			msg.FromLastName = m.Sender.LastName
		}
		switch {
		case m.Photo != nil:
			msg.PhotoRef = m.Photo.FileID
		case m.Video != nil:
			msg.VideoRef = m.Video.FileID
		case m.Document != nil:
			msg.DocumentRef = m.Document.FileID
		}
		return msg
	}

	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		push(transport.Update{Kind: transport.UpdateMessage, Message: content(m)})
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnPhoto, onMessage)
	a.bot.Handle(tele.OnVideo, onMessage)
	a.bot.Handle(tele.OnDocument, onMessage)
	// Anything else still reaches the router so it can reject unsupported
	// payloads instead of silently ignoring them.
	a.bot.Handle(tele.OnMedia, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		push(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
			},
		})
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) send(ctx context.Context, to transport.ChatTarget, what any, opt *tele.SendOptions) (transport.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, what, opt)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.send(ctx, to, text, teleSendOptions(opt))
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.ChatTarget, m transport.Media) (transport.MessageRef, error) {
	p := &tele.Photo{File: tele.File{FileID: m.Ref}, Caption: m.Caption}
	return a.send(ctx, to, p, mediaSendOptions(m))
}

func (a *Adapter) SendVideo(ctx context.Context, to transport.ChatTarget, m transport.Media) (transport.MessageRef, error) {
	v := &tele.Video{File: tele.File{FileID: m.Ref}, Caption: m.Caption}
	return a.send(ctx, to, v, mediaSendOptions(m))
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, m transport.Media) (transport.MessageRef, error) {
	d := &tele.Document{File: tele.File{FileID: m.Ref}, Caption: m.Caption}
	return a.send(ctx, to, d, mediaSendOptions(m))
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, teleSendOptions(opt))
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func (a *Adapter) SelfRole(ctx context.Context, chatID int64) (transport.MemberRole, error) {
	member, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, a.bot.Me)
	if err != nil {
		return transport.RoleNone, err
	}
	switch member.Role {
	case tele.Creator:
		return transport.RoleCreator, nil
	case tele.Administrator:
		return transport.RoleAdministrator, nil
	case tele.Member:
		return transport.RoleMember, nil
	default:
		return transport.RoleNone, nil
	}
}

func (a *Adapter) Chat(ctx context.Context, chatID int64) (transport.ChatInfo, error) {
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return transport.ChatInfo{}, err
	}
	return transport.ChatInfo{ID: chat.ID, Title: chat.Title, Kind: string(chat.Type)}, nil
}

func teleSendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	out := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		Entities:              toTeleEntities(opt.Entities),
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		out.ReplyMarkup = rm
	}
	return out
}

func mediaSendOptions(m transport.Media) *tele.SendOptions {
	return &tele.SendOptions{Entities: toTeleEntities(m.CaptionEntities)}
}

func toTeleEntities(in []transport.Entity) tele.Entities {
	if len(in) == 0 {
		return nil
	}
	out := make(tele.Entities, 0, len(in))
	for _, e := range in {
		out = append(out, tele.MessageEntity{
			Type:   tele.EntityType(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}
	return out
}

func fromTeleEntities(in tele.Entities) []transport.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]transport.Entity, 0, len(in))
	for _, e := range in {
		out = append(out, transport.Entity{
			Type:   string(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}
	return out
}
