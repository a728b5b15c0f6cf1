package notifications

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kiln/internal/config"
)

type recordedRequest struct {
	title    string
	priority string
	body     string
}

func newTestService(t *testing.T, mutate func(*config.Notifications)) (Service, *[]recordedRequest) {
	t.Helper()

	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		requests = append(requests, recordedRequest{
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			body:     string(buf[:n]),
		})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.BuildStarted = true
	cfg.Notifications.BuildCompleted = true
	cfg.Notifications.Errors = true
	if mutate != nil {
		mutate(&cfg.Notifications)
	}
	return NewService(&cfg), &requests
}

func TestNoopWithoutTopic(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""

	svc := NewService(&cfg)
	if _, ok := svc.(noopService); !ok {
		t.Fatalf("expected noop service, got %T", svc)
	}
	if err := svc.NotifyBuildStarted(context.Background(), "bot:latest"); err != nil {
		t.Fatalf("noop must never fail: %v", err)
	}
}

func TestNotifyBuildCompletedSendsTitleAndDuration(t *testing.T) {
	svc, requests := newTestService(t, nil)

	if err := svc.NotifyBuildCompleted(context.Background(), "bot:latest", 90*time.Second); err != nil {
		t.Fatalf("NotifyBuildCompleted: %v", err)
	}
	if len(*requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*requests))
	}
	req := (*requests)[0]
	if req.title != "Kiln - Build Complete" {
		t.Errorf("title = %q", req.title)
	}
	if req.priority != "high" {
		t.Errorf("priority = %q", req.priority)
	}
	for _, want := range []string{"bot:latest", "1m30s"} {
		if !strings.Contains(req.body, want) {
			t.Errorf("body %q missing %q", req.body, want)
		}
	}
}

func TestNotifyErrorIncludesContext(t *testing.T) {
	svc, requests := newTestService(t, nil)

	err := svc.NotifyError(context.Background(), errors.New("pip exploded"), "build 7")
	if err != nil {
		t.Fatalf("NotifyError: %v", err)
	}
	body := (*requests)[0].body
	for _, want := range []string{"build 7", "pip exploded"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q missing %q", body, want)
		}
	}
}

func TestDisabledEventsAreSuppressed(t *testing.T) {
	svc, requests := newTestService(t, func(n *config.Notifications) {
		n.BuildStarted = false
	})

	if err := svc.NotifyBuildStarted(context.Background(), "bot:latest"); err != nil {
		t.Fatalf("suppressed event must not fail: %v", err)
	}
	if len(*requests) != 0 {
		t.Fatalf("expected no requests for disabled event, got %d", len(*requests))
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "topic quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := NewService(&cfg)

	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
