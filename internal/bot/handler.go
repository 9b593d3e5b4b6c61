package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"filestore/internal/admin"
	"filestore/internal/files"
	"filestore/internal/logging"
	"filestore/internal/relay"
	"filestore/internal/restore"
	"filestore/internal/session"
	"filestore/internal/store"
	"filestore/internal/telegram"
)

// maxMessageLen stays under the platform's 4096 character limit.
const maxMessageLen = 4000

const (
	replyInternal     = "Something went wrong, try again later."
	replyAdminsOnly   = "Admins only."
	replyOwnerOnly    = "Owner only."
	replyInvalidLink  = "Invalid or expired link."
	replySlowDown     = "Too many commands, slow down a little."
	replyUnknown      = "Unknown command. Use /help to see what I can do."
	replyStoreFailed  = "❌ Could not store the file (forward failed)."
	replyRestoreError = "❌ Failed to restore file."
)

// Settings is the store surface behind the admin commands.
type Settings interface {
	GetStats(ctx context.Context) (*store.Stats, error)
	LoadRetention(ctx context.Context, fallback time.Duration) (store.Retention, error)
	SaveRetention(ctx context.Context, r store.Retention) error
}

// Deps are the services the handler drives.
type Deps struct {
	Client   telegram.Client
	Sessions *session.Manager
	Files    *files.Service
	Restores *restore.Dispatcher
	Admins   *admin.Registry
	Settings Settings
	Limiter  *CommandLimiter // optional
}

// Config holds the handler's presentation settings.
type Config struct {
	BotUsername       string
	ShareBaseURL      string        // defaults to https://t.me/<BotUsername>
	RetentionFallback time.Duration // window shown when none is stored
}

// Handler turns platform updates into calls on the core services.
type Handler struct {
	client    telegram.Client
	sessions  *session.Manager
	files     *files.Service
	restores  *restore.Dispatcher
	admins    *admin.Registry
	settings  Settings
	limiter   *CommandLimiter
	shareBase string
	fallback  time.Duration

	commands map[string]func(ctx context.Context, msg telegram.Message, args []string)
}

// NewHandler creates a handler.
func NewHandler(deps Deps, cfg Config) *Handler {
	shareBase := cfg.ShareBaseURL
	if shareBase == "" {
		shareBase = "https://t.me/" + cfg.BotUsername
	}
	h := &Handler{
		client:    deps.Client,
		sessions:  deps.Sessions,
		files:     deps.Files,
		restores:  deps.Restores,
		admins:    deps.Admins,
		settings:  deps.Settings,
		limiter:   deps.Limiter,
		shareBase: strings.TrimRight(shareBase, "/"),
		fallback:  cfg.RetentionFallback,
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands = map[string]func(context.Context, telegram.Message, []string){
		"start":       h.handleStart,
		"help":        h.handleHelp,
		"filestore":   h.handleFilestore,
		"myfiles":     h.handleMyFiles,
		"setcode":     h.handleSetCode,
		"batch":       h.handleBatch,
		"batchdone":   h.handleBatchDone,
		"stats":       h.handleStats,
		"adminlist":   h.handleAdminList,
		"addadmin":    h.handleAddAdmin,
		"removeadmin": h.handleRemoveAdmin,
		"autodelete":  h.handleAutoDelete,
	}
}

// Commands is the menu shown by the platform client.
func Commands() []telegram.BotCommand {
	return []telegram.BotCommand{
		{Command: "start", Description: "Start the bot"},
		{Command: "help", Description: "Show help"},
		{Command: "filestore", Description: "Store the next file you send"},
		{Command: "myfiles", Description: "List your stored files"},
		{Command: "setcode", Description: "Rename your last stored file"},
		{Command: "batch", Description: "Start batch mode (admin)"},
		{Command: "batchdone", Description: "Finish batch and generate one link"},
		{Command: "stats", Description: "Storage statistics (admin)"},
		{Command: "adminlist", Description: "List admins (admin)"},
		{Command: "addadmin", Description: "Add an admin (owner)"},
		{Command: "removeadmin", Description: "Remove an admin (owner)"},
		{Command: "autodelete", Description: "Show or change auto-delete (owner)"},
	}
}

// Link returns the share link for code.
func (h *Handler) Link(code string) string {
	return h.shareBase + "?start=" + code
}

// Run handles updates until ctx ends or the update stream closes, then
// waits for in-flight handlers. Each user's updates are handled in the order
// they arrived; different users are served concurrently.
func (h *Handler) Run(ctx context.Context) error {
	updates, err := h.client.Updates(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to updates: %w", err)
	}

	var prune <-chan time.Time
	if h.limiter != nil {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		prune = ticker.C
	}

	lanes := newLanes(h.Handle)
	defer lanes.wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune:
			if n := h.limiter.Prune(time.Hour); n > 0 {
				logging.Bot.Printf("pruned %d idle command limiters", n)
			}
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			lanes.dispatch(ctx, msg)
		}
	}
}

// Handle processes one incoming message. It never panics.
func (h *Handler) Handle(ctx context.Context, msg telegram.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Bot.Printf("panic handling message %d from %d: %v", msg.MessageID, msg.FromID, r)
		}
	}()

	if !msg.IsCommand() {
		h.handlePayload(ctx, msg)
		return
	}

	name, args := msg.Command()
	if h.limiter != nil && !h.limiter.Allow(msg.FromID) {
		h.reply(ctx, msg.ChatID, replySlowDown)
		return
	}
	cmd, ok := h.commands[name]
	if !ok {
		h.reply(ctx, msg.ChatID, replyUnknown)
		return
	}
	cmd(ctx, msg, args)
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.client.SendText(ctx, chatID, text); err != nil {
		logging.Bot.Printf("failed to reply to %d: %v", chatID, err)
	}
}

// replyLines sends lines joined by sep, split across messages when too long.
func (h *Handler) replyLines(ctx context.Context, chatID int64, lines []string, sep string) {
	var b strings.Builder
	for _, line := range lines {
		if b.Len() > 0 && b.Len()+len(sep)+len(line) > maxMessageLen {
			h.reply(ctx, chatID, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		h.reply(ctx, chatID, b.String())
	}
}

func (h *Handler) internalError(ctx context.Context, chatID int64, what string, err error) {
	logging.Bot.Printf("%s: %v", what, err)
	h.reply(ctx, chatID, replyInternal)
}

func (h *Handler) requireAdmin(ctx context.Context, msg telegram.Message) bool {
	ok, err := h.admins.IsAdmin(ctx, msg.FromID)
	if err != nil {
		h.internalError(ctx, msg.ChatID, "admin check failed", err)
		return false
	}
	if !ok {
		h.reply(ctx, msg.ChatID, replyAdminsOnly)
	}
	return ok
}

func (h *Handler) handlePayload(ctx context.Context, msg telegram.Message) {
	action, _ := h.sessions.OnIncomingPayload(ctx, msg.FromID, msg)
	if action != session.ActionStoreSingle {
		return
	}

	rec, err := h.files.StoreSingle(ctx, msg)
	if errors.Is(err, relay.ErrRelayFailed) {
		h.reply(ctx, msg.ChatID, replyStoreFailed)
		return
	}
	if err != nil {
		h.internalError(ctx, msg.ChatID, "store single failed", err)
		return
	}
	h.reply(ctx, msg.ChatID, "Stored!\n"+h.Link(rec.Code))
}

func (h *Handler) handleStart(ctx context.Context, msg telegram.Message, args []string) {
	if len(args) > 0 {
		h.startRestore(ctx, msg.ChatID, args[0])
		return
	}
	h.reply(ctx, msg.ChatID, "Welcome to Filestore Bot.\n"+
		"Use /help to see commands.\n\n"+
		"/filestore stores the next file you send\n"+
		"/batch starts a silent batch (admin only)\n"+
		"/batchdone finishes the batch and gives one link")
}

func (h *Handler) startRestore(ctx context.Context, chatID int64, code string) {
	if !files.ValidCode(code) {
		h.reply(ctx, chatID, replyInvalidLink)
		return
	}
	replyCtx := context.WithoutCancel(ctx)
	h.restores.Start(ctx, code, chatID, func(res *restore.Result, err error) {
		switch {
		case err == nil:
		case errors.Is(err, restore.ErrInvalidCode):
			h.reply(replyCtx, chatID, replyInvalidLink)
		case errors.Is(err, restore.ErrRestoreFailed):
			h.reply(replyCtx, chatID, replyRestoreError)
		default:
			h.internalError(replyCtx, chatID, "restore failed", err)
		}
	})
}

func (h *Handler) handleHelp(ctx context.Context, msg telegram.Message, args []string) {
	h.reply(ctx, msg.ChatID, "Commands:\n"+
		"/filestore - store the next message (one file)\n"+
		"/myfiles - list your stored codes\n"+
		"/setcode NEWCODE - rename your last stored file\n\n"+
		"/batch - start silent batch (admin only)\n"+
		"/batchdone - finish batch and get link\n\n"+
		"/stats - admin only\n"+
		"/adminlist - admin only\n"+
		"/addadmin USERID - owner only\n"+
		"/removeadmin USERID - owner only\n"+
		"/autodelete [on|off|SECONDS] - owner only")
}

func (h *Handler) handleFilestore(ctx context.Context, msg telegram.Message, args []string) {
	text := "Send the file/message you want to store (single file)."
	if n := h.sessions.BeginSingleCapture(msg.FromID); n > 0 {
		text = fmt.Sprintf("Unfinished batch of %d items discarded.\n", n) + text
	}
	h.reply(ctx, msg.ChatID, text)
}

func (h *Handler) handleMyFiles(ctx context.Context, msg telegram.Message, args []string) {
	var lines []string
	for rec, err := range h.files.List(ctx, msg.FromID) {
		if err != nil {
			h.internalError(ctx, msg.ChatID, "list files failed", err)
			return
		}
		ts := rec.CreatedAt.UTC().Format("2006-01-02 15:04:05")
		lines = append(lines, fmt.Sprintf("%s (%s)\n%s", rec.Code, ts, h.Link(rec.Code)))
	}
	if len(lines) == 0 {
		h.reply(ctx, msg.ChatID, "You have no stored files.")
		return
	}
	h.replyLines(ctx, msg.ChatID, lines, "\n\n")
}

func (h *Handler) handleSetCode(ctx context.Context, msg telegram.Message, args []string) {
	if len(args) == 0 {
		h.reply(ctx, msg.ChatID, "Usage: /setcode NEWCODE")
		return
	}

	rec, err := h.files.Rename(ctx, msg.FromID, args[0])
	switch {
	case errors.Is(err, files.ErrInvalidCode):
		h.reply(ctx, msg.ChatID, "Codes may only use letters, digits, - and _ (up to 64).")
	case errors.Is(err, store.ErrCodeCollision):
		h.reply(ctx, msg.ChatID, "Code already in use.")
	case errors.Is(err, store.ErrUnauthorized):
		h.reply(ctx, msg.ChatID, "No recent file to rename.")
	case err != nil:
		h.internalError(ctx, msg.ChatID, "rename failed", err)
	default:
		h.reply(ctx, msg.ChatID, "Code updated: "+h.Link(rec.Code))
	}
}

// handleBatch starts a batch without replying.
func (h *Handler) handleBatch(ctx context.Context, msg telegram.Message, args []string) {
	err := h.sessions.BeginBatch(ctx, msg.FromID)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		h.reply(ctx, msg.ChatID, replyAdminsOnly)
	case err != nil:
		h.internalError(ctx, msg.ChatID, "begin batch failed", err)
	}
}

func (h *Handler) handleBatchDone(ctx context.Context, msg telegram.Message, args []string) {
	refs, err := h.sessions.FinishBatch(ctx, msg.FromID)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		h.reply(ctx, msg.ChatID, replyAdminsOnly)
		return
	case errors.Is(err, session.ErrNoActiveBatch):
		h.reply(ctx, msg.ChatID, "No active batch.")
		return
	case errors.Is(err, session.ErrEmptyBatch):
		h.reply(ctx, msg.ChatID, "Batch is empty.")
		return
	case err != nil:
		h.internalError(ctx, msg.ChatID, "finish batch failed", err)
		return
	}

	batch, err := h.files.FinishBatch(ctx, msg.FromID, refs)
	if err != nil {
		h.internalError(ctx, msg.ChatID, "store batch failed", err)
		return
	}
	h.reply(ctx, msg.ChatID, "Batch saved!\n"+h.Link(batch.Code))
}

func (h *Handler) handleStats(ctx context.Context, msg telegram.Message, args []string) {
	if !h.requireAdmin(ctx, msg) {
		return
	}
	stats, err := h.settings.GetStats(ctx)
	if err != nil {
		h.internalError(ctx, msg.ChatID, "stats failed", err)
		return
	}
	h.reply(ctx, msg.ChatID, fmt.Sprintf("Files: %d\nBatches: %d\nItems: %d\nAdmins: %d",
		stats.Files, stats.Batches, stats.Items, stats.Admins))
}

func (h *Handler) handleAdminList(ctx context.Context, msg telegram.Message, args []string) {
	ids, err := h.admins.List(ctx, msg.FromID)
	if errors.Is(err, admin.ErrUnauthorized) {
		h.reply(ctx, msg.ChatID, replyAdminsOnly)
		return
	}
	if err != nil {
		h.internalError(ctx, msg.ChatID, "list admins failed", err)
		return
	}
	lines := []string{"Admins:"}
	for _, id := range ids {
		line := strconv.FormatInt(id, 10)
		if h.admins.IsOwner(id) {
			line += " (owner)"
		}
		lines = append(lines, line)
	}
	h.replyLines(ctx, msg.ChatID, lines, "\n")
}

func parseUserID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) handleAddAdmin(ctx context.Context, msg telegram.Message, args []string) {
	if !h.admins.IsOwner(msg.FromID) {
		h.reply(ctx, msg.ChatID, replyOwnerOnly)
		return
	}
	id, ok := parseUserID(args)
	if !ok {
		h.reply(ctx, msg.ChatID, "Usage: /addadmin USERID")
		return
	}
	if err := h.admins.AddAdmin(ctx, msg.FromID, id); err != nil {
		h.internalError(ctx, msg.ChatID, "add admin failed", err)
		return
	}
	h.reply(ctx, msg.ChatID, fmt.Sprintf("Added admin %d", id))
}

func (h *Handler) handleRemoveAdmin(ctx context.Context, msg telegram.Message, args []string) {
	if !h.admins.IsOwner(msg.FromID) {
		h.reply(ctx, msg.ChatID, replyOwnerOnly)
		return
	}
	id, ok := parseUserID(args)
	if !ok {
		h.reply(ctx, msg.ChatID, "Usage: /removeadmin USERID")
		return
	}

	err := h.admins.RemoveAdmin(ctx, msg.FromID, id)
	switch {
	case errors.Is(err, admin.ErrOwnerImmutable):
		h.reply(ctx, msg.ChatID, "The owner cannot be removed.")
	case errors.Is(err, store.ErrNotFound):
		h.reply(ctx, msg.ChatID, fmt.Sprintf("%d is not an admin.", id))
	case err != nil:
		h.internalError(ctx, msg.ChatID, "remove admin failed", err)
	default:
		h.reply(ctx, msg.ChatID, fmt.Sprintf("Removed admin %d", id))
	}
}

func (h *Handler) handleAutoDelete(ctx context.Context, msg telegram.Message, args []string) {
	if !h.admins.IsOwner(msg.FromID) {
		h.reply(ctx, msg.ChatID, replyOwnerOnly)
		return
	}

	r, err := h.settings.LoadRetention(ctx, h.fallback)
	if err != nil {
		h.internalError(ctx, msg.ChatID, "load retention failed", err)
		return
	}

	if len(args) > 0 {
		switch arg := strings.ToLower(args[0]); arg {
		case "on":
			r.Enabled = true
		case "off":
			r.Enabled = false
		default:
			secs, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || secs < 0 {
				h.reply(ctx, msg.ChatID, "Usage: /autodelete [on|off|SECONDS]")
				return
			}
			r.Window = time.Duration(secs) * time.Second
		}
		if err := h.settings.SaveRetention(ctx, r); err != nil {
			h.internalError(ctx, msg.ChatID, "save retention failed", err)
			return
		}
	}

	h.reply(ctx, msg.ChatID, describeRetention(r))
}

func describeRetention(r store.Retention) string {
	switch {
	case !r.Enabled:
		return fmt.Sprintf("Auto-delete is off (window %s).", r.Window)
	case r.Window <= 0:
		return "Auto-delete is on, but the window is 0 so nothing is removed."
	default:
		return fmt.Sprintf("Auto-delete is on: records older than %s are removed.", r.Window)
	}
}
