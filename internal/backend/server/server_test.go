package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rentsync/pkg/client"
	"rentsync/pkg/config"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"

	"github.com/gorilla/websocket"
)

// ────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := config.Defaults("availability-sim-test")
	cfg.Log = logger.Discard()
	return cfg
}

func startBackend(t *testing.T, cfg *config.Config) (*Backend, *httptest.Server) {
	t.Helper()
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("backend wiring failed: %v", err)
	}
	srv := httptest.NewServer(b.App.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.App.Stop(ctx)
	})
	return b, srv
}

func dateRange(start, end string) model.DateRange {
	return model.DateRange{Start: model.MustParseDate(start), End: model.MustParseDate(end)}
}

// ────────────────────────────────────────────────
// Tests
// ────────────────────────────────────────────────

func TestBackend_HealthAndReady(t *testing.T) {
	_, srv := startBackend(t, testConfig())

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestBackend_ConcurrentSessionsNeverShareDays(t *testing.T) {
	_, srv := startBackend(t, testConfig())
	base := client.NewAvailabilityClient(srv.URL, 5*time.Second)

	const sessions = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := "session-" + string(rune('a'+i))
			_, err := base.WithSession(session).AcquireLock(context.Background(), "veh-1", model.LockRequest{DateRange: dateRange("2025-06-01", "2025-06-05"), SessionID: session})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case apperrors.IsLockUnavailable(err):
			default:
				t.Errorf("session %s: unexpected error %v", session, err)
			}
		}(i)
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}
}

func TestBackend_CheckIgnoresOwnHold(t *testing.T) {
	_, srv := startBackend(t, testConfig())
	base := client.NewAvailabilityClient(srv.URL, 5*time.Second)
	holder := base.WithSession("holder")
	other := base.WithSession("other")
	r := dateRange("2025-06-01", "2025-06-05")

	if _, err := holder.AcquireLock(context.Background(), "veh-1", model.LockRequest{DateRange: r, SessionID: "holder"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	own, err := holder.CheckRange(context.Background(), "veh-1", r)
	if err != nil || !own.Available {
		t.Errorf("holder should see its own range as available, got %+v %v", own, err)
	}
	theirs, err := other.CheckRange(context.Background(), "veh-1", r)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if theirs.Available || len(theirs.Conflicts) == 0 || theirs.Conflicts[0].Reason != model.ReasonLocked {
		t.Errorf("other session should see a locked conflict, got %+v", theirs)
	}
}

func TestBackend_PatchReachesSubscriber(t *testing.T) {
	_, srv := startBackend(t, testConfig())

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	raw, _ := model.ControlFrame(model.FrameSubscribe, "veh-1", time.Now()).Encode()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("expected subscribed ack: %v", err)
	}

	booked := []model.Date{model.MustParseDate("2025-06-10")}
	api := client.NewAvailabilityClient(srv.URL, 5*time.Second)
	if _, err := api.SetAvailability(context.Background(), "veh-1", model.ResourceUpdate{BookedDates: &booked}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	for {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("expected availability frame: %v", err)
		}
		frame, err := model.DecodeFrame(msg)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if frame.Type != model.EventAvailabilityUpdated {
			continue
		}
		var patch model.AvailabilityPatch
		if err := frame.DecodeData(&patch); err != nil {
			t.Fatalf("patch decode failed: %v", err)
		}
		if len(patch.AddedDates) != 1 || !patch.AddedDates[0].Equal(booked[0]) {
			t.Errorf("expected 2025-06-10 added, got %+v", patch)
		}
		return
	}
}

func TestBackend_SignedInventoryWrites(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSigningSecret = "s3cret"
	_, srv := startBackend(t, cfg)

	status := model.StatusMaintenance
	update := model.ResourceUpdate{Status: &status}

	unsigned := client.NewAvailabilityClient(srv.URL, 5*time.Second)
	if _, err := unsigned.SetAvailability(context.Background(), "veh-1", update); !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Errorf("unsigned write should be refused, got %v", err)
	}

	state, err := unsigned.WithSigningSecret("s3cret").SetAvailability(context.Background(), "veh-1", update)
	if err != nil {
		t.Fatalf("signed write failed: %v", err)
	}
	if state.Status != model.StatusMaintenance || state.IsAvailable {
		t.Errorf("unexpected state after signed write: %+v", state)
	}
}
