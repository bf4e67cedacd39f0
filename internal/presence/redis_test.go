package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newMiniredisMirror(t *testing.T, ttl time.Duration) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewRedisMirror(context.Background(), "redis://"+mr.Addr(), ttl)
	if err != nil {
		t.Fatalf("NewRedisMirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestRedisMirrorTracksTransitions(t *testing.T) {
	ctx := context.Background()
	mirror, mr := newMiniredisMirror(t, time.Minute)

	r := NewRegistry(Config{
		Mirror: mirror,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	c := &fakeConn{id: "conn-1"}
	r.Register(ctx, "u1", c)
	r.Register(ctx, "u2", &fakeConn{id: "conn-2"})

	online, err := mirror.OnlineUsers(ctx)
	if err != nil {
		t.Fatalf("OnlineUsers: %v", err)
	}
	if len(online) != 2 || online[0] != "u1" || online[1] != "u2" {
		t.Fatalf("OnlineUsers=%v", online)
	}
	if got := mr.HGet("presence:user:u1", "conn_id"); got != "conn-1" {
		t.Fatalf("conn_id=%q, want conn-1", got)
	}
	if ttl := mr.TTL("presence:user:u1"); ttl != time.Minute {
		t.Fatalf("ttl=%v, want 1m", ttl)
	}

	r.Unregister(ctx, "u1", c)
	status, err := mirror.Status(ctx, "u1")
	if err != nil || status != "offline" {
		t.Fatalf("Status(u1)=%q, %v", status, err)
	}
	if got := mr.HGet("presence:user:u1", "conn_id"); got != "" {
		t.Fatalf("conn_id after offline=%q", got)
	}
	online, _ = mirror.OnlineUsers(ctx)
	if len(online) != 1 || online[0] != "u2" {
		t.Fatalf("OnlineUsers after unregister=%v", online)
	}
}

func TestRedisMirrorEntriesExpire(t *testing.T) {
	ctx := context.Background()
	mirror, mr := newMiniredisMirror(t, 30*time.Second)

	if err := mirror.SetOnline(ctx, "u1", "c", time.Now()); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	mr.FastForward(20 * time.Second)
	if err := mirror.Touch(ctx, "u1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	mr.FastForward(20 * time.Second)
	if status, _ := mirror.Status(ctx, "u1"); status != "online" {
		t.Fatalf("status after touch=%q, want online", status)
	}
	mr.FastForward(31 * time.Second)
	if status, _ := mirror.Status(ctx, "u1"); status != "offline" {
		t.Fatalf("status after expiry=%q, want offline", status)
	}
}
