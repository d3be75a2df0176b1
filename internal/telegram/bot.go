// Package telegram is a companion surface over the same session layer the
// web workspace uses. Each chat gets its own session manager (and its own
// persisted token), so several people can use one bot without sharing
// identities.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/imagify-app/imagify-desk/internal/models"
	"github.com/imagify-app/imagify-desk/internal/session"
	"github.com/imagify-app/imagify-desk/internal/store"
)

// SessionFactory builds a session manager bound to a scoped token store.
// The bot passes one scope per chat.
type SessionFactory func(scope string) (*session.Manager, error)

type Bot struct {
	api          *tgbotapi.BotAPI
	log          *slog.Logger
	sessions     SessionFactory
	history      store.HistoryStore
	state        *StateManager
	workspaceURL string

	mu       sync.Mutex
	managers map[int64]*session.Manager
}

func NewBot(api *tgbotapi.BotAPI, log *slog.Logger, sessions SessionFactory, history store.HistoryStore, workspaceURL string) *Bot {
	return &Bot{
		api:          api,
		log:          log,
		sessions:     sessions,
		history:      history,
		state:        NewStateManager(),
		workspaceURL: workspaceURL,
		managers:     make(map[int64]*session.Manager),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram surface started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

// manager returns the chat's session manager, creating and initialising it
// on first use. Init resolves a token persisted by a previous process run.
func (b *Bot) manager(ctx context.Context, chatID int64) (*session.Manager, error) {
	b.mu.Lock()
	m, ok := b.managers[chatID]
	b.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := b.sessions(fmt.Sprintf("telegram-%d", chatID))
	if err != nil {
		return nil, err
	}
	m.Init(ctx)

	b.mu.Lock()
	if existing, ok := b.managers[chatID]; ok {
		m = existing
	} else {
		b.managers[chatID] = m
	}
	b.mu.Unlock()
	return m, nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	sess, err := b.manager(ctx, chatID)
	if err != nil {
		b.log.Error("create chat session", "chat", chatID, "err", err)
		b.sendText(chatID, "Something went wrong, please try again.")
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, sess, msg)
		return
	}
	b.handleInput(ctx, sess, chatID, strings.TrimSpace(msg.Text))
}

func (b *Bot) handleCommand(ctx context.Context, sess *session.Manager, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	b.state.Reset(chatID)

	switch msg.Command() {
	case "start", "help":
		b.sendText(chatID, "Imagify — text to image.\n"+
			"/login — sign in\n"+
			"/register — create an account\n"+
			"/generate <prompt> — create an image\n"+
			"/credits — show your balance\n"+
			"/history — recent generations\n"+
			"/buy — buy credits\n"+
			"/logout — sign out")
	case "login":
		b.state.Set(chatID, &Chat{State: StateAwaitingLoginEmail})
		b.sendText(chatID, "Your email?")
	case "register":
		b.state.Set(chatID, &Chat{State: StateAwaitingRegisterName})
		b.sendText(chatID, "Your full name?")
	case "logout":
		sess.Logout()
		b.sendText(chatID, "Signed out.")
	case "credits":
		if err := sess.RefreshCredits(ctx); err != nil {
			b.sendText(chatID, b.renderError(err))
			return
		}
		snap := sess.Snapshot()
		if snap.User == nil {
			b.sendText(chatID, "You are not signed in. /login first.")
			return
		}
		b.sendText(chatID, fmt.Sprintf("%s, you have %d credits.", snap.User.Name, snap.Credits))
	case "generate":
		prompt := strings.TrimSpace(msg.CommandArguments())
		if prompt == "" {
			b.state.Set(chatID, &Chat{State: StateAwaitingPrompt})
			b.sendText(chatID, "Describe what you want to generate.")
			return
		}
		b.generate(ctx, sess, chatID, prompt)
	case "history":
		b.sendHistory(sess, chatID)
	case "buy":
		b.sendPlans(chatID)
	default:
		b.sendText(chatID, "Unknown command, see /help.")
	}
}

func (b *Bot) handleInput(ctx context.Context, sess *session.Manager, chatID int64, text string) {
	chat := b.state.Get(chatID)

	switch chat.State {
	case StateAwaitingLoginEmail:
		chat.Email = text
		chat.State = StateAwaitingLoginPassword
		b.state.Set(chatID, chat)
		b.sendText(chatID, "Password? (delete the message afterwards)")
	case StateAwaitingLoginPassword:
		b.state.Reset(chatID)
		if err := sess.Login(ctx, chat.Email, text); err != nil {
			b.sendText(chatID, b.renderError(err))
			return
		}
		snap := sess.Snapshot()
		b.sendText(chatID, fmt.Sprintf("Welcome back, %s! You have %d credits.", snap.User.Name, snap.Credits))
	case StateAwaitingRegisterName:
		chat.Name = text
		chat.State = StateAwaitingRegisterEmail
		b.state.Set(chatID, chat)
		b.sendText(chatID, "Your email?")
	case StateAwaitingRegisterEmail:
		chat.Email = text
		chat.State = StateAwaitingRegisterPassword
		b.state.Set(chatID, chat)
		b.sendText(chatID, "Pick a password. (delete the message afterwards)")
	case StateAwaitingRegisterPassword:
		b.state.Reset(chatID)
		if err := sess.Register(ctx, chat.Name, chat.Email, text); err != nil {
			b.sendText(chatID, b.renderError(err))
			return
		}
		snap := sess.Snapshot()
		b.sendText(chatID, fmt.Sprintf("Account created. Welcome, %s!", snap.User.Name))
	case StateAwaitingPrompt:
		b.state.Reset(chatID)
		b.generate(ctx, sess, chatID, text)
	default:
		// Bare text is treated as a prompt, same as the workspace's
		// generate box.
		if text != "" {
			b.generate(ctx, sess, chatID, text)
		}
	}
}

func (b *Bot) generate(ctx context.Context, sess *session.Manager, chatID int64, prompt string) {
	b.sendText(chatID, "Generating image…")

	result, err := sess.Generate(ctx, models.GenerationRequest{Prompt: prompt})
	if err != nil {
		b.sendText(chatID, b.renderError(err))
		return
	}

	snap := sess.Snapshot()
	if snap.User != nil {
		entry := models.HistoryEntry{
			Prompt:    prompt,
			ImageData: result.ImageData,
			CreatedAt: time.Now().UTC(),
		}
		if err := b.history.Append(snap.User.ID, entry); err != nil {
			b.log.Error("append history", "chat", chatID, "err", err)
		}
	}

	if raw, _, err := models.DecodeImagePayload(result.ImageData); err == nil {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "imagify.png", Bytes: raw})
		photo.Caption = prompt
		if _, err := b.api.Send(photo); err != nil {
			b.log.Error("send photo", "chat", chatID, "err", err)
			b.sendText(chatID, "Generated, but sending the image failed.")
		}
	} else {
		// Not an inline payload; hand over the URL instead.
		b.sendText(chatID, result.ImageData)
	}

	b.sendText(chatID, fmt.Sprintf("Credits left: %d", snap.Credits))
}

func (b *Bot) sendHistory(sess *session.Manager, chatID int64) {
	snap := sess.Snapshot()
	if snap.User == nil {
		b.sendText(chatID, "You are not signed in. /login first.")
		return
	}
	entries, err := b.history.List(snap.User.ID)
	if err != nil {
		b.log.Error("list history", "chat", chatID, "err", err)
		b.sendText(chatID, "Could not load history.")
		return
	}
	if len(entries) == 0 {
		b.sendText(chatID, "No generations yet. Try /generate.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Recent generations:\n")
	for i, e := range entries {
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, e.Prompt))
		if e.ArchiveURL != "" {
			sb.WriteString(" — " + e.ArchiveURL)
		}
		sb.WriteString("\n")
	}
	b.sendText(chatID, sb.String())
}

func (b *Bot) sendPlans(chatID int64) {
	var sb strings.Builder
	sb.WriteString("Credit plans:\n")
	for _, p := range models.Plans {
		sb.WriteString(fmt.Sprintf("• %s — $%d for %d credits (%s)\n", p.ID, p.PriceUSD, p.Credits, p.Description))
	}
	if b.workspaceURL != "" {
		sb.WriteString("\nCheckout runs in the browser: " + strings.TrimRight(b.workspaceURL, "/") + "/buy")
	}
	b.sendText(chatID, sb.String())
}

// renderError maps the session error taxonomy onto chat messages.
func (b *Bot) renderError(err error) string {
	switch {
	case models.IsValidation(err):
		return err.Error()
	case errors.Is(err, models.ErrAuthRequired):
		return "You need to sign in first: /login"
	case errors.Is(err, session.ErrBusy):
		return "Still working on your previous request…"
	case errors.Is(err, session.ErrSessionChanged):
		return "Your session changed, please try again."
	case errors.Is(err, models.ErrNetwork):
		return "Network error, please try again."
	default:
		if msg, ok := models.BackendMessage(err); ok && msg != "" {
			return msg
		}
		return "Something went wrong, please try again."
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat", chatID, "err", err)
	}
}
