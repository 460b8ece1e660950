package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

type fakeRuntime struct {
	mu       sync.Mutex
	lastMsg  UserMessage
	lastOpts RunOptions
	calls    int

	response string
	err      error
	chunks   []string
}

func (f *fakeRuntime) Communicate(ctx context.Context, msg UserMessage, opts RunOptions) (string, error) {
	f.mu.Lock()
	f.lastMsg = msg
	f.lastOpts = opts
	f.calls++
	f.mu.Unlock()

	for _, c := range f.chunks {
		if opts.OnChunk != nil {
			opts.OnChunk(c)
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func inbound(channel, userID string) *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:   channel,
		UserID:    userID,
		ChatID:    "chat-1",
		Content:   "hello",
		MessageID: "m1",
		UserName:  "Alice",
	}
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		channel string
		userID  string
		want    string
	}{
		{"telegram", "456789", "tg:456789"},
		{"discord", "U2", "dc:U2"},
		{"email", "a@b.c", "em:a@b.c"},
		{"slack", "U1", "sl:U1"},
		{"wechat", "w1", "wx:w1"},
		{"whatsapp", "w2", "wa:w2"},
		{"matrix", "@x:y", "mx:@x:y"},
		{"signal", "s1", "si:s1"},
		{"x", "u", "x:u"},
	}
	for _, tt := range tests {
		if got := SessionKey(tt.channel, tt.userID); got != tt.want {
			t.Errorf("SessionKey(%q, %q) = %q, want %q", tt.channel, tt.userID, got, tt.want)
		}
	}
}

func TestProcessMessageCreatesAndReusesSession(t *testing.T) {
	rt := &fakeRuntime{response: "hi"}
	b := New(rt)

	t0 := time.Unix(1000, 0)
	b.now = func() time.Time { return t0 }

	if _, err := b.ProcessMessage(context.Background(), inbound("telegram", "42"), nil, nil); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	s, ok := b.GetSession("telegram", "42")
	if !ok {
		t.Fatal("session should exist")
	}
	if s.Key != "tg:42" {
		t.Errorf("session key = %q, want tg:42", s.Key)
	}
	if !s.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", s.CreatedAt, t0)
	}

	t1 := t0.Add(time.Hour)
	b.now = func() time.Time { return t1 }
	if _, err := b.ProcessMessage(context.Background(), inbound("telegram", "42"), nil, nil); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	s, _ = b.GetSession("telegram", "42")
	if !s.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt changed on reuse: %v", s.CreatedAt)
	}
	if !s.LastActivity.Equal(t1) {
		t.Errorf("LastActivity = %v, want %v", s.LastActivity, t1)
	}
	if b.ActiveSessionCount() != 1 {
		t.Errorf("ActiveSessionCount = %d, want 1", b.ActiveSessionCount())
	}
}

func TestProcessMessagePassesRuntimeInputs(t *testing.T) {
	rt := &fakeRuntime{response: "ok"}
	b := New(rt)

	msg := inbound("discord", "U2")
	msg.Metadata = map[string]string{"guild_id": "G1"}
	paths := []string{"/a0/tmp/uploads/x.png"}

	got, err := b.ProcessMessage(context.Background(), msg, paths, nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if got != "ok" {
		t.Errorf("response = %q, want ok", got)
	}

	if rt.lastMsg.Content != "hello" {
		t.Errorf("runtime content = %q", rt.lastMsg.Content)
	}
	if len(rt.lastMsg.Attachments) != 1 || rt.lastMsg.Attachments[0] != paths[0] {
		t.Errorf("runtime attachments = %v", rt.lastMsg.Attachments)
	}
	if rt.lastOpts.SessionKey != "dc:U2" {
		t.Errorf("SessionKey = %q, want dc:U2", rt.lastOpts.SessionKey)
	}

	meta := rt.lastOpts.Metadata
	for k, want := range map[string]string{
		"channel":   "discord",
		"chat_id":   "chat-1",
		"user_id":   "U2",
		"user_name": "Alice",
		"guild_id":  "G1",
	} {
		if meta[k] != want {
			t.Errorf("metadata[%q] = %q, want %q", k, meta[k], want)
		}
	}
}

func TestProcessMessageError(t *testing.T) {
	rt := &fakeRuntime{err: errors.New("agent down")}
	b := New(rt)

	_, err := b.ProcessMessage(context.Background(), inbound("telegram", "1"), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, rt.err) {
		t.Errorf("error %v should wrap the runtime error", err)
	}
}

func TestProcessMessageStream(t *testing.T) {
	rt := &fakeRuntime{response: "Hello world", chunks: []string{"Hel", "lo ", "world"}}
	b := New(rt)

	chunks, errs := b.ProcessMessageStream(context.Background(), inbound("telegram", "42"), nil)

	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	want := []string{"Hel", "lo ", "world"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProcessMessageStreamError(t *testing.T) {
	rt := &fakeRuntime{err: errors.New("boom"), chunks: []string{"partial"}}
	b := New(rt)

	chunks, errs := b.ProcessMessageStream(context.Background(), inbound("telegram", "42"), nil)

	for range chunks {
	}
	err := <-errs
	if err == nil {
		t.Fatal("expected stream error")
	}
	if !errors.Is(err, rt.err) {
		t.Errorf("error %v should wrap the runtime error", err)
	}
}

func TestProcessMessageStreamManyChunks(t *testing.T) {
	var many []string
	for i := 0; i < streamQueueSize+16; i++ {
		many = append(many, "x")
	}
	rt := &fakeRuntime{response: "done", chunks: many}
	b := New(rt)

	chunks, errs := b.ProcessMessageStream(context.Background(), inbound("telegram", "42"), nil)

	n := 0
	for range chunks {
		n++
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if n != len(many) {
		t.Errorf("received %d chunks, want %d", n, len(many))
	}
}

func TestRemoveSession(t *testing.T) {
	b := New(&fakeRuntime{response: "ok"})
	b.ProcessMessage(context.Background(), inbound("telegram", "42"), nil, nil)

	if !b.RemoveSession("telegram", "42") {
		t.Error("RemoveSession should report true for existing session")
	}
	if b.RemoveSession("telegram", "42") {
		t.Error("RemoveSession should report false for missing session")
	}
	if _, ok := b.GetSession("telegram", "42"); ok {
		t.Error("session should be gone")
	}
}

func TestSessionsByChannel(t *testing.T) {
	b := New(&fakeRuntime{response: "ok"})
	b.ProcessMessage(context.Background(), inbound("telegram", "1"), nil, nil)
	b.ProcessMessage(context.Background(), inbound("telegram", "2"), nil, nil)
	b.ProcessMessage(context.Background(), inbound("discord", "3"), nil, nil)

	tg := b.SessionsByChannel("telegram")
	if len(tg) != 2 {
		t.Errorf("telegram sessions = %d, want 2", len(tg))
	}
	if b.ActiveSessionCount() != 3 {
		t.Errorf("ActiveSessionCount = %d, want 3", b.ActiveSessionCount())
	}
}
