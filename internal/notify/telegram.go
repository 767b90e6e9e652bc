package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"claim_engine/internal/config"
	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
	"claim_engine/internal/store/sqlite"
)

// Engine is the worker control surface the bot drives.
type Engine interface {
	Start(creds model.Credentials, filter model.AmountFilter) bool
	Stop()
	IsRunning() bool
	RequestRetry(slug string)
	State() model.EngineState
}

// TelegramNotifier is the operator's remote control: commands to start and
// stop the worker, adjust settings, and inline buttons to retry failed
// claims. It also broadcasts claim outcomes to every chat that has talked
// to the bot.
type TelegramNotifier struct {
	bot     *bot.Bot
	engine  Engine
	store   *sqlite.Store
	bus     *logbus.Bus
	allowed map[int64]struct{}
	limiter *rate.Limiter

	mu     sync.Mutex
	cancel func()
	wg     sync.WaitGroup
}

func NewTelegramNotifier(cfg config.TelegramConfig, engine Engine, store *sqlite.Store, bus *logbus.Bus) (*TelegramNotifier, error) {
	n := &TelegramNotifier{
		engine:  engine,
		store:   store,
		bus:     bus,
		allowed: make(map[int64]struct{}, len(cfg.AllowedUsers)),
		limiter: rate.NewLimiter(rate.Limit(cfg.BroadcastQPS), cfg.BroadcastBurst),
	}
	for _, id := range cfg.AllowedUsers {
		n.allowed[id] = struct{}{}
	}

	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(n.handle))
	if err != nil {
		return nil, err
	}
	n.bot = b
	return n, nil
}

// Run starts long polling and blocks until ctx is cancelled.
func (n *TelegramNotifier) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	setCtx, setCancel := context.WithTimeout(ctx, 10*time.Second)
	defer setCancel()
	if _, err := n.bot.SetMyCommands(setCtx, &bot.SetMyCommandsParams{
		Commands: []models.BotCommand{
			{Command: "run", Description: "Start claiming orders"},
			{Command: "stop", Description: "Stop the worker"},
			{Command: "status", Description: "Worker and session state"},
			{Command: "stats", Description: "Claim statistics"},
			{Command: "filter", Description: "Set amount filter: /filter <min> <max>"},
			{Command: "login", Description: "Set credentials: /login <email> <password>"},
		},
	}); err != nil {
		n.bus.Log("warn", "could not register bot commands", map[string]any{"error": err.Error()})
	}

	n.bot.Start(ctx)
}

func (n *TelegramNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOutcome broadcasts the event to every registered chat. Failed
// claims carry Retry/Skip buttons; Retry reopens the slug for the worker.
func (n *TelegramNotifier) HandleOutcome(ctx context.Context, ev model.OutcomeEvent) {
	chats, err := n.store.ListChats(ctx)
	if err != nil {
		n.bus.Log("warn", "could not list chats for broadcast", map[string]any{"error": err.Error()})
		return
	}

	text := formatOutcome(ev)
	var markup models.ReplyMarkup
	if ev.Status == model.OutcomeFailed && ev.Slug != "" {
		markup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{
				{Text: "Retry", CallbackData: "retry:" + ev.Slug},
				{Text: "Skip", CallbackData: "skip:" + ev.Slug},
			}},
		}
	}

	for _, chatID := range chats {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ReplyMarkup: markup,
		}); err != nil {
			n.bus.Log("warn", "broadcast failed", map[string]any{
				"chatId": chatID,
				"error":  err.Error(),
			})
		}
	}
}

func (n *TelegramNotifier) authorized(userID int64) bool {
	if len(n.allowed) == 0 {
		return true
	}
	_, ok := n.allowed[userID]
	return ok
}

func (n *TelegramNotifier) handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		n.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		n.handleMessage(ctx, update.Message)
	}
}

func (n *TelegramNotifier) handleCallback(ctx context.Context, q *models.CallbackQuery) {
	if !n.authorized(q.From.ID) {
		return
	}
	defer func() {
		_, _ = n.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
		})
	}()

	action, slug, ok := strings.Cut(q.Data, ":")
	if !ok || slug == "" {
		return
	}
	switch action {
	case "retry":
		n.engine.RequestRetry(slug)
		n.bus.Log("info", "operator requested retry", map[string]any{"slug": slug})
		if q.Message.Message != nil {
			n.reply(ctx, q.Message.Message.Chat.ID, "Will retry "+slug+" on the next scan.")
		}
	case "skip":
		// Already in the processed set; nothing to undo.
	}
}

func (n *TelegramNotifier) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || !n.authorized(msg.From.ID) {
		n.bus.Log("warn", "message from unauthorized user ignored", nil)
		return
	}
	if err := n.store.RegisterChat(ctx, msg.Chat.ID); err != nil {
		n.bus.Log("warn", "could not register chat", map[string]any{"error": err.Error()})
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	var reply string
	switch cmd {
	case "run":
		reply = n.cmdRun(ctx)
	case "stop":
		n.engine.Stop()
		reply = "Worker stopped."
	case "status":
		reply = n.cmdStatus()
	case "stats":
		reply = n.cmdStats(ctx)
	case "filter":
		reply = n.cmdFilter(ctx, args)
	case "login":
		reply = n.cmdLogin(ctx, args)
	default:
		reply = "Unknown command."
	}
	n.reply(ctx, msg.Chat.ID, reply)
}

func (n *TelegramNotifier) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		n.bus.Log("warn", "reply failed", map[string]any{"error": err.Error()})
	}
}

func (n *TelegramNotifier) cmdRun(ctx context.Context) string {
	settings, ok, err := n.store.GetSettings(ctx)
	if err != nil {
		return "Could not read settings: " + err.Error()
	}
	if !ok || !settings.Credentials().Valid() {
		return "Credentials are not set. Use /login <email> <password> first."
	}
	if n.engine.IsRunning() {
		return "Worker is already running."
	}
	if !n.engine.Start(settings.Credentials(), settings.Filter()) {
		return "Worker did not start, check the logs."
	}
	settings.Active = true
	_ = n.store.UpsertSettings(ctx, settings)
	return "Worker started."
}

func (n *TelegramNotifier) cmdStatus() string {
	st := n.engine.State()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Worker: %s\nSession: %s\n", st.Worker, st.Session)
	if st.Processed > 0 {
		fmt.Fprintf(&sb, "Processed this run: %d\n", st.Processed)
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.LastError)
	}
	return sb.String()
}

func (n *TelegramNotifier) cmdStats(ctx context.Context) string {
	counts, err := n.store.CountByStatus(ctx)
	if err != nil {
		return "Could not read stats: " + err.Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claimed: %d\nFailed: %d\n",
		counts[model.OutcomeClaimed], counts[model.OutcomeFailed])

	entries, err := n.store.LastEntries(ctx, 5)
	if err == nil && len(entries) > 0 {
		sb.WriteString("\nRecent:\n")
		for _, e := range entries {
			amount := "?"
			if e.Amount != nil {
				amount = e.Amount.String()
			}
			fmt.Fprintf(&sb, "%s %s (%s)\n", e.Status, e.Slug, amount)
		}
	}
	return sb.String()
}

// cmdFilter updates the stored amount bounds. "-" clears a bound. Takes
// effect on the next /run.
func (n *TelegramNotifier) cmdFilter(ctx context.Context, args []string) string {
	if len(args) != 2 {
		return "Usage: /filter <min> <max>  (use - for no bound)"
	}
	parse := func(s string) (*decimal.Decimal, error) {
		if s == "-" {
			return nil, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	minimum, err := parse(args[0])
	if err != nil {
		return "Invalid min: " + args[0]
	}
	maximum, err := parse(args[1])
	if err != nil {
		return "Invalid max: " + args[1]
	}

	settings, _, err := n.store.GetSettings(ctx)
	if err != nil {
		return "Could not read settings: " + err.Error()
	}
	settings.MinAmount = minimum
	settings.MaxAmount = maximum
	if err := n.store.UpsertSettings(ctx, settings); err != nil {
		return "Could not save settings: " + err.Error()
	}
	if n.engine.IsRunning() {
		return "Filter saved. Restart the worker to apply it."
	}
	return "Filter saved."
}

func (n *TelegramNotifier) cmdLogin(ctx context.Context, args []string) string {
	if len(args) != 2 {
		return "Usage: /login <email> <password>"
	}
	settings, _, err := n.store.GetSettings(ctx)
	if err != nil {
		return "Could not read settings: " + err.Error()
	}
	settings.Login = args[0]
	settings.Password = args[1]
	if err := n.store.UpsertSettings(ctx, settings); err != nil {
		return "Could not save credentials: " + err.Error()
	}
	return "Credentials saved for " + args[0] + "."
}
