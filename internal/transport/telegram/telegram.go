// Package telegram is the chat integration: it delivers rendered cards,
// forwards operator alerts and serves a few admin commands.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"dynbot/internal/event"
	"dynbot/internal/render"
	rtsup "dynbot/internal/runtime/supervisor"
	logx "dynbot/pkg/logx"
	"dynbot/pkg/tgui"
)

type Config struct {
	Token         string
	PollTimeout   time.Duration
	ProbeInterval time.Duration
	Admins        []event.Contact
	// Offline skips the getMe call at construction (tests).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and the probe. Created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	connected atomic.Bool
	lastOK    atomic.Int64
	failures  atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	if !cfg.Offline {
		a.markOK()
	}
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; if it returns early while the
	// context is alive it is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	sup.Go0("telebot.probe", a.probeLoop)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// keep shutdown snappy even if getUpdates is still long-polling
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) probeLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Probe(ctx)
		}
	}
}

// Probe calls getMe and updates the connectivity flag.
func (a *Adapter) Probe(ctx context.Context) bool {
	if ctx.Err() != nil {
		return a.Connected()
	}
	if _, err := a.bot.Raw("getMe", nil); err != nil {
		if a.connected.Swap(false) {
			a.log.Warn("telegram unreachable", logx.Err(err))
		}
		return false
	}
	if !a.connected.Load() {
		a.log.Info("telegram reachable again")
	}
	a.markOK()
	return true
}

func (a *Adapter) markOK() {
	a.connected.Store(true)
	a.lastOK.Store(time.Now().UnixNano())
}

// Connected reports the result of the last probe or send.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// LastContact is the time of the last successful API call.
func (a *Adapter) LastContact() time.Time {
	n := a.lastOK.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Headroom under the API limits for tags that are closed and reopened
// across chunks.
const (
	textLimit    = tgui.MaxTextLen - 96
	captionLimit = tgui.MaxCaptionLen - 24
)

// Send delivers msg as a photo with caption, or as text when there is no
// image. Captions too long for a photo follow as a separate text message.
func (a *Adapter) Send(ctx context.Context, to event.Contact, msg render.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: to.ID}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: len(msg.Image) > 0}

	var err error
	if len(msg.Image) > 0 {
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(msg.Image))}
		rest := msg.Caption
		if len([]rune(rest)) <= captionLimit {
			photo.Caption, rest = rest, ""
		}
		if _, err = a.bot.Send(chat, photo, opts); err == nil && rest != "" {
			err = a.sendText(ctx, chat, rest, opts)
		}
	} else {
		err = a.sendText(ctx, chat, msg.Caption, opts)
	}
	if err != nil {
		a.failures.Add(1)
		return fmt.Errorf("telegram send to %s: %w", to, err)
	}
	a.markOK()
	return nil
}

func (a *Adapter) sendText(ctx context.Context, chat *tele.Chat, text string, opts *tele.SendOptions) error {
	for _, chunk := range splitText(text, textLimit, opts.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// Alert sends a plain-text operator alert to every admin contact. It
// implements logx.AlertSender.
func (a *Adapter) Alert(ctx context.Context, text string) error {
	var errs []error
	for _, to := range a.cfg.Admins {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, chunk := range splitText(text, textLimit, "") {
			if _, err := a.bot.Send(&tele.Chat{ID: to.ID}, chunk); err != nil {
				errs = append(errs, fmt.Errorf("alert to %s: %w", to, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// splitText splits long messages into chunks, preferring newline
// boundaries and (best-effort) avoiding cuts inside HTML tags.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
