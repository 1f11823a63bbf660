package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"chathub/internal/models"
	"chathub/internal/pubsub"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordingBus 收集广播出去的 presence 事件。
type recordingBus struct {
	mu     sync.Mutex
	events []pubsub.Event
}

func (b *recordingBus) Publish(_ context.Context, evt pubsub.Event) error {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(_ context.Context, _ pubsub.Handler) error { return nil }
func (b *recordingBus) Close() error                                        { return nil }

func (b *recordingBus) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, evt := range b.events {
		var u update
		if err := json.Unmarshal(evt.Data, &u); err == nil {
			out = append(out, u.Status)
		}
	}
	return out
}

func newTestTracker(t *testing.T, debounce time.Duration) (*Tracker, *recordingBus, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&models.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := gdb.Create(&models.User{ID: 1, Username: "u1", PasswordHash: "x", Status: "offline", IsActive: true}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	bus := &recordingBus{}
	tracker := NewTracker(rdb, gdb, bus, debounce)
	t.Cleanup(tracker.Stop)
	return tracker, bus, gdb, mr
}

func userStatus(t *testing.T, gdb *gorm.DB, id uint) (string, *time.Time) {
	t.Helper()
	var u models.User
	if err := gdb.First(&u, id).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	return u.Status, u.LastOnline
}

func TestTracker_FirstConnectionGoesOnline(t *testing.T) {
	tracker, bus, gdb, _ := newTestTracker(t, time.Second)
	ctx := context.Background()

	if err := tracker.Connected(ctx, 1, "conn-a"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	status, _ := userStatus(t, gdb, 1)
	if status != "online" {
		t.Errorf("status = %q, want online", status)
	}
	if got := bus.statuses(); len(got) != 1 || got[0] != "online" {
		t.Errorf("broadcasts = %v, want [online]", got)
	}

	// 第二条连接不再广播
	if err := tracker.Connected(ctx, 1, "conn-b"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	if got := bus.statuses(); len(got) != 1 {
		t.Errorf("broadcasts after 2nd conn = %v, want 1 event", got)
	}

	n, err := tracker.Online(ctx, 1)
	if err != nil || n != 2 {
		t.Errorf("Online() = %d, %v, want 2", n, err)
	}
}

func TestTracker_StaleConnectionDoesNotSuppressOnline(t *testing.T) {
	tracker, bus, gdb, mr := newTestTracker(t, time.Second)
	ctx := context.Background()

	// 崩溃进程留下的孤儿连接 id 还在集合里
	if _, err := mr.SetAdd("presence:user:1", "ghost"); err != nil {
		t.Fatalf("seed stale conn: %v", err)
	}

	if err := tracker.Connected(ctx, 1, "conn-a"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	status, _ := userStatus(t, gdb, 1)
	if status != "online" {
		t.Errorf("status = %q, want online despite stale conn id", status)
	}
	if got := bus.statuses(); len(got) != 1 || got[0] != "online" {
		t.Errorf("broadcasts = %v, want [online]", got)
	}
}

func TestTracker_ReconnectWithinDebounce(t *testing.T) {
	tracker, bus, gdb, _ := newTestTracker(t, 200*time.Millisecond)
	ctx := context.Background()

	if err := tracker.Connected(ctx, 1, "conn-a"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	tracker.Disconnected(1, "conn-a")

	// 防抖窗口内重连
	time.Sleep(50 * time.Millisecond)
	if err := tracker.Connected(ctx, 1, "conn-b"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	status, _ := userStatus(t, gdb, 1)
	if status != "online" {
		t.Errorf("status = %q, want online (no offline flap)", status)
	}
	for _, s := range bus.statuses() {
		if s == "offline" {
			t.Fatal("offline broadcast during reconnect window")
		}
	}
}

func TestTracker_DebouncedOffline(t *testing.T) {
	tracker, bus, gdb, _ := newTestTracker(t, 100*time.Millisecond)
	ctx := context.Background()

	if err := tracker.Connected(ctx, 1, "conn-a"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	tracker.Disconnected(1, "conn-a")

	// 防抖到期前仍然 online
	status, _ := userStatus(t, gdb, 1)
	if status != "online" {
		t.Errorf("status before debounce = %q, want online", status)
	}

	time.Sleep(300 * time.Millisecond)
	status, lastOnline := userStatus(t, gdb, 1)
	if status != "offline" {
		t.Errorf("status after debounce = %q, want offline", status)
	}
	if lastOnline == nil {
		t.Error("lastOnline not persisted")
	}
	got := bus.statuses()
	if len(got) != 2 || got[1] != "offline" {
		t.Errorf("broadcasts = %v, want [online offline]", got)
	}
}

func TestTracker_SecondConnectionKeepsOnline(t *testing.T) {
	tracker, _, gdb, _ := newTestTracker(t, 100*time.Millisecond)
	ctx := context.Background()

	if err := tracker.Connected(ctx, 1, "conn-a"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	if err := tracker.Connected(ctx, 1, "conn-b"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	tracker.Disconnected(1, "conn-a")

	time.Sleep(300 * time.Millisecond)
	status, _ := userStatus(t, gdb, 1)
	if status != "online" {
		t.Errorf("status = %q, want online while conn-b alive", status)
	}
}

func TestTracker_StopCancelsPending(t *testing.T) {
	tracker, bus, gdb, _ := newTestTracker(t, 100*time.Millisecond)
	ctx := context.Background()

	if err := tracker.Connected(ctx, 1, "conn-a"); err != nil {
		t.Fatalf("Connected() error = %v", err)
	}
	tracker.Disconnected(1, "conn-a")
	tracker.Stop()

	time.Sleep(300 * time.Millisecond)
	status, _ := userStatus(t, gdb, 1)
	if status != "online" {
		t.Errorf("status = %q, want online after Stop", status)
	}
	for _, s := range bus.statuses() {
		if s == "offline" {
			t.Fatal("offline broadcast after Stop")
		}
	}
}
