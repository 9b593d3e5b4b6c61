package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filestore/internal/admin"
	"filestore/internal/files"
	"filestore/internal/relay"
	"filestore/internal/restore"
	"filestore/internal/session"
	"filestore/internal/store"
	"filestore/internal/telegram"
)

const (
	storageChat = int64(-100)
	ownerID     = int64(1)
	adminID     = int64(2)
	userID      = int64(3)
	visitorID   = int64(4)
)

type harness struct {
	h        *Handler
	client   *telegram.MockClient
	store    *store.SQLiteStore
	restores *restore.Dispatcher
}

func newHarness(t *testing.T, limiter *CommandLimiter) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "filestore.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SeedRetention(ctx, time.Hour))

	client := telegram.NewMockClient()
	gw := relay.NewGateway(client, relay.Policy{Attempts: 2, Delay: time.Millisecond}, 0)
	admins := admin.NewRegistry(st, ownerID)
	require.NoError(t, admins.EnsureOwner(ctx))
	require.NoError(t, admins.AddAdmin(ctx, ownerID, adminID))

	restores := restore.NewDispatcher(st, gw, client, storageChat, 0)
	h := NewHandler(Deps{
		Client:   client,
		Sessions: session.NewManager(admins, gw, storageChat),
		Files:    files.NewService(st, gw, nil, storageChat),
		Restores: restores,
		Admins:   admins,
		Settings: st,
		Limiter:  limiter,
	}, Config{BotUsername: "testbot", RetentionFallback: time.Hour})

	return &harness{h: h, client: client, store: st, restores: restores}
}

// command sends a command from uid in their private chat.
func (hs *harness) command(uid int64, text string) {
	hs.h.Handle(context.Background(), telegram.Message{ChatID: uid, FromID: uid, Text: text})
}

// upload sends a payload from uid and returns it.
func (hs *harness) upload(uid int64, caption string) telegram.Message {
	msg := hs.client.Put(telegram.Message{ChatID: uid, FromID: uid, Caption: caption, Media: "document"})
	hs.h.Handle(context.Background(), msg)
	return msg
}

func (hs *harness) lastText(chatID int64) string {
	texts := hs.client.Texts(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func codeFromLink(t *testing.T, text string) string {
	t.Helper()
	_, code, ok := strings.Cut(text, "https://t.me/testbot?start=")
	require.True(t, ok, "no share link in %q", text)
	return code
}

func captions(msgs []telegram.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Caption
	}
	return out
}

func TestHandler_SingleCaptureAndRestore(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(userID, "/filestore")
	require.Equal(t, "Send the file/message you want to store (single file).", hs.lastText(userID))

	hs.upload(userID, "passport.pdf")
	reply := hs.lastText(userID)
	require.True(t, strings.HasPrefix(reply, "Stored!\n"), reply)
	code := codeFromLink(t, reply)
	require.Len(t, hs.client.Messages(storageChat), 1)

	// the next payload is not captured
	hs.upload(userID, "ignored")
	require.Len(t, hs.client.Messages(storageChat), 1)

	hs.command(visitorID, "/start "+code)
	hs.restores.Wait()
	require.Equal(t, []string{"passport.pdf"}, captions(hs.client.Messages(visitorID)))
	require.Empty(t, hs.client.Texts(visitorID))
}

func TestHandler_StoreRelayFailure(t *testing.T) {
	hs := newHarness(t, nil)
	hs.client.ForwardHook = func(int64, int64, int64) error { return errors.New("forbidden") }

	hs.command(userID, "/filestore")
	hs.upload(userID, "doc")
	require.Equal(t, replyStoreFailed, hs.lastText(userID))

	// the capture request was consumed
	hs.client.ForwardHook = nil
	hs.upload(userID, "doc")
	require.Len(t, hs.client.Texts(userID), 2)
	require.Empty(t, hs.client.Messages(storageChat))
}

func TestHandler_IdlePayloadIgnored(t *testing.T) {
	hs := newHarness(t, nil)
	hs.upload(userID, "random")
	require.Empty(t, hs.client.Texts(userID))
	require.Empty(t, hs.client.Messages(storageChat))
}

func TestHandler_BatchScenario(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(adminID, "/batch")
	require.Empty(t, hs.client.Texts(adminID), "batch start is silent")

	for _, c := range []string{"A", "B", "C"} {
		hs.upload(adminID, c)
	}
	require.Empty(t, hs.client.Texts(adminID), "batch items are silent")

	hs.command(adminID, "/batchdone")
	reply := hs.lastText(adminID)
	require.True(t, strings.HasPrefix(reply, "Batch saved!\n"), reply)
	code := codeFromLink(t, reply)

	hs.command(visitorID, "/start "+code)
	hs.restores.Wait()
	require.Equal(t, []string{"Sending 3 files…"}, hs.client.Texts(visitorID))
	require.Equal(t, []string{"A", "B", "C"}, captions(hs.client.Messages(visitorID)))
}

func TestHandler_BatchErrors(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(userID, "/batch")
	require.Equal(t, replyAdminsOnly, hs.lastText(userID))
	hs.command(userID, "/batchdone")
	require.Equal(t, replyAdminsOnly, hs.lastText(userID))

	hs.command(adminID, "/batchdone")
	require.Equal(t, "No active batch.", hs.lastText(adminID))

	hs.command(adminID, "/batch")
	hs.command(adminID, "/batchdone")
	require.Equal(t, "Batch is empty.", hs.lastText(adminID))
	hs.command(adminID, "/batchdone")
	require.Equal(t, "No active batch.", hs.lastText(adminID))
}

func TestHandler_InvalidLinks(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(visitorID, "/start ../../etc")
	require.Equal(t, replyInvalidLink, hs.lastText(visitorID))

	hs.command(visitorID, "/start NOSUCH00")
	hs.restores.Wait()
	require.Equal(t, replyInvalidLink, hs.lastText(visitorID))
}

func TestHandler_StartAndHelp(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(userID, "/start")
	require.Contains(t, hs.lastText(userID), "Welcome")
	hs.command(userID, "/help")
	require.Contains(t, hs.lastText(userID), "/setcode NEWCODE")
	hs.command(userID, "/nope")
	require.Equal(t, replyUnknown, hs.lastText(userID))
}

func TestHandler_MyFilesAndSetCode(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(userID, "/myfiles")
	require.Equal(t, "You have no stored files.", hs.lastText(userID))

	hs.command(userID, "/setcode")
	require.Equal(t, "Usage: /setcode NEWCODE", hs.lastText(userID))

	hs.command(userID, "/setcode mine")
	require.Equal(t, "No recent file to rename.", hs.lastText(userID))

	hs.command(userID, "/filestore")
	hs.upload(userID, "first")
	first := codeFromLink(t, hs.lastText(userID))

	hs.command(adminID, "/filestore")
	hs.upload(adminID, "taken")
	taken := codeFromLink(t, hs.lastText(adminID))

	hs.command(userID, "/setcode "+taken)
	require.Equal(t, "Code already in use.", hs.lastText(userID))

	hs.command(userID, "/setcode bad/code")
	require.Contains(t, hs.lastText(userID), "letters, digits")

	hs.command(userID, "/setcode my-file")
	require.Equal(t, "Code updated: https://t.me/testbot?start=my-file", hs.lastText(userID))

	hs.command(userID, "/myfiles")
	listing := hs.lastText(userID)
	require.Contains(t, listing, "https://t.me/testbot?start=my-file")
	require.NotContains(t, listing, first)

	// the old link is gone
	hs.command(visitorID, "/start "+first)
	hs.restores.Wait()
	require.Equal(t, replyInvalidLink, hs.lastText(visitorID))
}

func TestHandler_AdminCommands(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(userID, "/stats")
	require.Equal(t, replyAdminsOnly, hs.lastText(userID))
	hs.command(userID, "/adminlist")
	require.Equal(t, replyAdminsOnly, hs.lastText(userID))

	hs.command(adminID, "/addadmin 3")
	require.Equal(t, replyOwnerOnly, hs.lastText(adminID))

	hs.command(ownerID, "/addadmin")
	require.Equal(t, "Usage: /addadmin USERID", hs.lastText(ownerID))
	hs.command(ownerID, "/addadmin 3")
	require.Equal(t, "Added admin 3", hs.lastText(ownerID))

	hs.command(userID, "/stats")
	require.Equal(t, "Files: 0\nBatches: 0\nItems: 0\nAdmins: 3", hs.lastText(userID))

	hs.command(userID, "/adminlist")
	require.Equal(t, "Admins:\n1 (owner)\n2\n3", hs.lastText(userID))

	hs.command(ownerID, "/removeadmin 1")
	require.Equal(t, "The owner cannot be removed.", hs.lastText(ownerID))
	hs.command(ownerID, "/removeadmin 99")
	require.Equal(t, "99 is not an admin.", hs.lastText(ownerID))
	hs.command(ownerID, "/removeadmin 3")
	require.Equal(t, "Removed admin 3", hs.lastText(ownerID))

	hs.command(userID, "/stats")
	require.Equal(t, replyAdminsOnly, hs.lastText(userID))
}

func TestHandler_AutoDelete(t *testing.T) {
	hs := newHarness(t, nil)
	ctx := context.Background()

	hs.command(adminID, "/autodelete on")
	require.Equal(t, replyOwnerOnly, hs.lastText(adminID))

	hs.command(ownerID, "/autodelete")
	require.Equal(t, "Auto-delete is off (window 1h0m0s).", hs.lastText(ownerID))

	hs.command(ownerID, "/autodelete on")
	require.Equal(t, "Auto-delete is on: records older than 1h0m0s are removed.", hs.lastText(ownerID))

	hs.command(ownerID, "/autodelete 90")
	require.Equal(t, "Auto-delete is on: records older than 1m30s are removed.", hs.lastText(ownerID))

	r, err := hs.store.LoadRetention(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, store.Retention{Enabled: true, Window: 90 * time.Second}, r)

	hs.command(ownerID, "/autodelete soon")
	require.Equal(t, "Usage: /autodelete [on|off|SECONDS]", hs.lastText(ownerID))
}

func TestHandler_RateLimited(t *testing.T) {
	hs := newHarness(t, NewCommandLimiter(0.001, 1))

	hs.command(userID, "/help")
	require.Contains(t, hs.lastText(userID), "Commands:")
	hs.command(userID, "/help")
	require.Equal(t, replySlowDown, hs.lastText(userID))

	// other users have their own bucket
	hs.command(visitorID, "/help")
	require.Contains(t, hs.lastText(visitorID), "Commands:")
}

func TestHandler_RecoversFromPanics(t *testing.T) {
	h := NewHandler(Deps{Client: telegram.NewMockClient()}, Config{BotUsername: "testbot"})
	require.NotPanics(t, func() {
		h.Handle(context.Background(), telegram.Message{ChatID: 1, FromID: 1, Media: "photo"})
	})
}

func TestHandler_Run(t *testing.T) {
	hs := newHarness(t, nil)

	done := make(chan error, 1)
	go func() { done <- hs.h.Run(context.Background()) }()

	hs.client.Inject(telegram.Message{ChatID: userID, FromID: userID, Text: "/help"})
	hs.client.Inject(telegram.Message{ChatID: visitorID, FromID: visitorID, Text: "/start"})
	require.Eventually(t, func() bool {
		return len(hs.client.Texts(userID)) == 1 && len(hs.client.Texts(visitorID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hs.client.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the update stream closed")
	}
}

// run drives hs through the real update loop until the test ends.
func (hs *harness) run(t *testing.T) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- hs.h.Run(context.Background()) }()
	t.Cleanup(func() {
		hs.client.Close()
		<-done
	})
}

func (hs *harness) inject(uid int64, text, caption string) {
	msg := telegram.Message{ChatID: uid, FromID: uid, Text: text}
	if text == "" {
		msg.Caption, msg.Media = caption, "photo"
	}
	hs.client.Inject(msg)
}

func TestHandler_RunKeepsEachUsersOrder(t *testing.T) {
	hs := newHarness(t, nil)
	hs.run(t)

	want := map[int64][]string{}
	for _, uid := range []int64{ownerID, adminID} {
		for i := range 10 {
			want[uid] = append(want[uid], fmt.Sprintf("%d-%c", uid, 'a'+i))
		}
	}

	// both admins send a whole batch in one burst, interleaved
	hs.inject(ownerID, "/batch", "")
	hs.inject(adminID, "/batch", "")
	for i := range 10 {
		hs.inject(ownerID, "", want[ownerID][i])
		hs.inject(adminID, "", want[adminID][i])
	}
	hs.inject(ownerID, "/batchdone", "")
	hs.inject(adminID, "/batchdone", "")

	for _, uid := range []int64{ownerID, adminID} {
		require.Eventually(t, func() bool {
			return strings.HasPrefix(hs.lastText(uid), "Batch saved!\n")
		}, 2*time.Second, 5*time.Millisecond, "user %d: %v", uid, hs.client.Texts(uid))
		require.Len(t, hs.client.Texts(uid), 1, "batch items are silent")

		code := codeFromLink(t, hs.lastText(uid))
		chat := visitorID * 100 * uid
		hs.h.Handle(context.Background(), telegram.Message{ChatID: chat, FromID: visitorID, Text: "/start " + code})
		hs.restores.Wait()
		require.Equal(t, want[uid], captions(hs.client.Messages(chat)))
	}
}

func TestHandler_RunCapturesFileRightAfterCommand(t *testing.T) {
	hs := newHarness(t, nil)
	hs.run(t)

	hs.inject(userID, "/filestore", "")
	hs.inject(userID, "", "scan.jpg")

	require.Eventually(t, func() bool {
		return strings.HasPrefix(hs.lastText(userID), "Stored!\n")
	}, 2*time.Second, 5*time.Millisecond, "replies: %v", hs.client.Texts(userID))
	require.Equal(t, []string{"scan.jpg"}, captions(hs.client.Messages(storageChat)))
}

func TestHandler_FilestoreReportsDiscardedBatch(t *testing.T) {
	hs := newHarness(t, nil)

	hs.command(adminID, "/batch")
	hs.upload(adminID, "A")
	hs.upload(adminID, "B")
	hs.command(adminID, "/filestore")
	require.Equal(t, "Unfinished batch of 2 items discarded.\n"+
		"Send the file/message you want to store (single file).", hs.lastText(adminID))
}

func TestLanes_OrderPerKey(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    = map[int64][]int64{}
		running int
		peak    int
	)
	l := newLanes(func(ctx context.Context, msg telegram.Message) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		running--
		seen[msg.FromID] = append(seen[msg.FromID], msg.MessageID)
		mu.Unlock()
	})

	ctx := context.Background()
	for id := int64(1); id <= 30; id++ {
		for uid := int64(1); uid <= 3; uid++ {
			l.dispatch(ctx, telegram.Message{FromID: uid, ChatID: uid, MessageID: id})
		}
	}
	l.wait()

	for uid := int64(1); uid <= 3; uid++ {
		require.Len(t, seen[uid], 30)
		for i, id := range seen[uid] {
			require.Equal(t, int64(i+1), id, "user %d out of order", uid)
		}
	}
	require.Greater(t, peak, 1, "different users should run concurrently")
	require.Empty(t, l.queues, "idle lanes are dropped")
}

func TestHandler_ReplyLinesSplitsLongOutput(t *testing.T) {
	hs := newHarness(t, nil)

	line := strings.Repeat("x", 1500)
	hs.h.replyLines(context.Background(), userID, []string{line, line, line, line}, "\n\n")

	texts := hs.client.Texts(userID)
	require.Len(t, texts, 2)
	for _, text := range texts {
		require.LessOrEqual(t, len(text), maxMessageLen)
	}
}

func TestCommandLimiter_Prune(t *testing.T) {
	l := NewCommandLimiter(1, 1)
	l.Allow(1)
	l.Allow(2)
	require.Equal(t, 0, l.Prune(time.Hour))
	require.Equal(t, 2, l.Prune(-time.Second))
}

func TestCommands_CoverHandlers(t *testing.T) {
	hs := newHarness(t, nil)
	for _, c := range Commands() {
		_, ok := hs.h.commands[c.Command]
		require.True(t, ok, "menu entry %q has no handler", c.Command)
	}
}
