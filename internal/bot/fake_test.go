package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

type sentMessage struct {
	to  types.JID
	msg *waE2E.Message
}

type readReceipt struct {
	ids    []types.MessageID
	chat   types.JID
	sender types.JID
}

type fakeClient struct {
	mu        sync.Mutex
	sent      []sentMessage
	uploads   []whatsmeow.MediaType
	reads     []readReceipt
	rejected  []string
	presences []types.Presence
	download  []byte
	sendErr   error
	nextID    int
}

var _ waClient = (*fakeClient)(nil)

func (f *fakeClient) SendMessage(_ context.Context, to types.JID, msg *waE2E.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return whatsmeow.SendResponse{}, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	return whatsmeow.SendResponse{ID: fmt.Sprintf("SENT%d", f.nextID)}, nil
}

func (f *fakeClient) Upload(_ context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, kind)
	return whatsmeow.UploadResponse{
		URL:        "https://mmg.whatsapp.net/x",
		DirectPath: "/v/x",
		MediaKey:   []byte("key"),
		FileLength: uint64(len(data)),
	}, nil
}

func (f *fakeClient) Download(_ context.Context, _ whatsmeow.DownloadableMessage) ([]byte, error) {
	if f.download == nil {
		return nil, errors.New("media expired")
	}
	return f.download, nil
}

func (f *fakeClient) BuildReaction(chat, sender types.JID, id types.MessageID, reaction string) *waE2E.Message {
	return &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{
		Key: &waCommon.MessageKey{
			RemoteJID: proto.String(chat.String()),
			ID:        proto.String(id),
		},
		Text: proto.String(reaction),
	}}
}

func (f *fakeClient) BuildRevoke(chat, sender types.JID, id types.MessageID) *waE2E.Message {
	return &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
		Type: waE2E.ProtocolMessage_REVOKE.Enum(),
		Key: &waCommon.MessageKey{
			RemoteJID:   proto.String(chat.String()),
			ID:          proto.String(id),
			Participant: proto.String(sender.String()),
		},
	}}
}

func (f *fakeClient) MarkRead(_ context.Context, ids []types.MessageID, _ time.Time, chat, sender types.JID, _ ...types.ReceiptType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, readReceipt{ids: ids, chat: chat, sender: sender})
	return nil
}

func (f *fakeClient) RejectCall(_ context.Context, _ types.JID, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, callID)
	return nil
}

func (f *fakeClient) SendPresence(_ context.Context, state types.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, state)
	return nil
}

func (f *fakeClient) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	groupJID = types.NewJID("120363000000000001", types.GroupServer)
	userJID  = types.NewJID("254700000001", types.DefaultUserServer)
	ownerJID = types.NewJID("254799999999", types.DefaultUserServer)
	ownerNum = "254799999999"
	msgTime  = time.Date(2024, 6, 1, 8, 59, 0, 0, time.UTC)
)

func messageInfo(chat, sender types.JID, id string) types.MessageInfo {
	return types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:    chat,
			Sender:  sender,
			IsGroup: chat.Server == types.GroupServer,
		},
		ID:        id,
		PushName:  "Tester",
		Timestamp: msgTime,
	}
}

func text(s string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(s)}
}
