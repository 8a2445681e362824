package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dynbot/internal/event"
	logx "dynbot/pkg/logx"
	"dynbot/pkg/tgui"
)

// Commands is the command surface the app exposes to admins.
type Commands interface {
	Check(ctx context.Context, creator int64) (string, error)
	Status(ctx context.Context) (string, error)
	Subscribe(ctx context.Context, creator int64, name string, to event.Contact) (string, error)
	Unsubscribe(ctx context.Context, creator int64, to event.Contact) (string, error)
	List(ctx context.Context, to event.Contact) (string, error)
	SubscribeSeries(ctx context.Context, series int64, to event.Contact) (string, error)
	UnsubscribeSeries(ctx context.Context, series int64, to event.Contact) (string, error)
	Ban(ctx context.Context, creator int64, subtype string, banned bool) (string, error)
}

// Request is one parsed command invocation.
type Request struct {
	Command string
	Args    []string
	Chat    event.Contact
	FromID  int64
}

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.String("chat", req.Chat.String()),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}

// MWAdminOnly rejects senders that are not listed as private admin contacts.
func MWAdminOnly(admins []event.Contact) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if !slices.Contains(admins, event.Contact{Kind: event.ContactPrivate, ID: req.FromID}) {
				return "", errNotAdmin
			}
			return next(ctx, req)
		}
	}
}

var errNotAdmin = errors.New("admin only")

// RegisterCommands wires the admin routes. ctx is the parent of every
// handler context.
func (a *Adapter) RegisterCommands(ctx context.Context, cmds Commands, timeout time.Duration) {
	mw := []Middleware{MWRequestLog(a.log), MWPanicRecover(a.log), MWAdminOnly(a.cfg.Admins), MWTimeout(timeout)}
	routes := map[string]HandlerFunc{
		"/check": func(ctx context.Context, req *Request) (string, error) {
			var creator int64
			if len(req.Args) > 0 {
				id, err := parseID(req.Args[0])
				if err != nil {
					return "", err
				}
				creator = id
			}
			return cmds.Check(ctx, creator)
		},
		"/status": func(ctx context.Context, _ *Request) (string, error) { return cmds.Status(ctx) },
		"/sub": func(ctx context.Context, req *Request) (string, error) {
			if len(req.Args) == 0 {
				return "", fmt.Errorf("usage: /sub <creator_id> [name]")
			}
			id, err := parseID(req.Args[0])
			if err != nil {
				return "", err
			}
			return cmds.Subscribe(ctx, id, strings.Join(req.Args[1:], " "), req.Chat)
		},
		"/unsub": func(ctx context.Context, req *Request) (string, error) {
			if len(req.Args) == 0 {
				return "", fmt.Errorf("usage: /unsub <creator_id>")
			}
			id, err := parseID(req.Args[0])
			if err != nil {
				return "", err
			}
			return cmds.Unsubscribe(ctx, id, req.Chat)
		},
		"/list": func(ctx context.Context, req *Request) (string, error) { return cmds.List(ctx, req.Chat) },
		"/series": func(ctx context.Context, req *Request) (string, error) {
			id, err := idArg(req, "usage: /series <series_id>")
			if err != nil {
				return "", err
			}
			return cmds.SubscribeSeries(ctx, id, req.Chat)
		},
		"/unseries": func(ctx context.Context, req *Request) (string, error) {
			id, err := idArg(req, "usage: /unseries <series_id>")
			if err != nil {
				return "", err
			}
			return cmds.UnsubscribeSeries(ctx, id, req.Chat)
		},
		"/ban":   banRoute(cmds, true),
		"/unban": banRoute(cmds, false),
	}
	for route, h := range routes {
		h := Chain(h, mw...)
		a.bot.Handle(route, func(c tele.Context) error {
			req := requestFrom(route, c)
			reply, err := h(ctx, req)
			if errors.Is(err, errNotAdmin) {
				return nil
			}
			if err != nil {
				reply = ErrorReply(err)
			}
			if reply == "" {
				return nil
			}
			return c.Send(reply, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
		})
	}
}

// ErrorReply is the HTML reply for a failed command.
func ErrorReply(err error) string {
	return tgui.Esc("error: " + err.Error()).String()
}

func banRoute(cmds Commands, banned bool) HandlerFunc {
	usage := "usage: /ban <creator_id> <subtype>"
	if !banned {
		usage = "usage: /unban <creator_id> <subtype>"
	}
	return func(ctx context.Context, req *Request) (string, error) {
		if len(req.Args) < 2 {
			return "", errors.New(usage)
		}
		id, err := parseID(req.Args[0])
		if err != nil {
			return "", err
		}
		subtype := strings.ToLower(strings.TrimSpace(req.Args[1]))
		if subtype == "" {
			return "", errors.New(usage)
		}
		return cmds.Ban(ctx, id, subtype, banned)
	}
}

func idArg(req *Request, usage string) (int64, error) {
	if len(req.Args) == 0 {
		return 0, errors.New(usage)
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return 0, err
	}
	return id, nil
}

func requestFrom(route string, c tele.Context) *Request {
	req := &Request{Command: route, Args: c.Args()}
	if ch := c.Chat(); ch != nil {
		kind := event.ContactGroup
		if ch.Type == tele.ChatPrivate {
			kind = event.ContactPrivate
		}
		req.Chat = event.Contact{Kind: kind, ID: ch.ID}
	}
	if u := c.Sender(); u != nil {
		req.FromID = u.ID
	}
	return req
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
