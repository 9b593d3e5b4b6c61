package telegram

import (
	"context"
	"strings"
)

// Message is an incoming or relayed chat message.
type Message struct {
	MessageID int64
	ChatID    int64
	FromID    int64
	Text      string
	Caption   string
	// Media is the attachment kind (document, photo, video, audio, voice,
	// sticker) or empty for plain text.
	Media string
}

// IsCommand reports whether the message is a bot command.
func (m Message) IsCommand() bool {
	return strings.HasPrefix(m.Text, "/")
}

// Command splits a command message into its name and arguments. The name is
// lower-cased and stripped of the leading slash and any @botname suffix.
func (m Message) Command() (string, []string) {
	if !m.IsCommand() {
		return "", nil
	}
	fields := strings.Fields(m.Text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

// BotCommand is an entry of the bot's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Client is the messaging platform as seen by the rest of the bot.
type Client interface {
	// ForwardMessage copies messageID from fromChatID into toChatID and
	// returns the id of the copy. The copy outlives the source.
	ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error)
	SendText(ctx context.Context, chatID int64, text string) error
	Updates(ctx context.Context) (<-chan Message, error)
	SetCommands(ctx context.Context, cmds []BotCommand) error
	Close() error
}
