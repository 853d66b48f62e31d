package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *LoopbackServer {
	t.Helper()
	// Ephemeral-only so parallel tests never contend for fixed ports.
	server := NewLoopbackServer(nil, testLogger())
	server.ports = nil
	redirect, err := server.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(server.Close)
	if redirect == "" {
		t.Fatal("empty redirect URI")
	}
	return server
}

func TestLoopbackRedirectURIShape(t *testing.T) {
	server := startServer(t)

	u, err := url.Parse(server.RedirectURI())
	if err != nil {
		t.Fatalf("parse redirect URI: %v", err)
	}
	if u.Hostname() != "127.0.0.1" {
		t.Fatalf("redirect host = %q, want loopback", u.Hostname())
	}
	if !strings.HasPrefix(u.Path, "/callback/") {
		t.Fatalf("redirect path = %q, want /callback/<segment>", u.Path)
	}
	segment := strings.TrimPrefix(u.Path, "/callback/")
	if len(segment) < 20 {
		t.Fatalf("callback path segment %q too short to be unguessable", segment)
	}
}

func TestLoopbackCallbackDelivered(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get(server.RedirectURI() + "?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Sign-in complete") {
		t.Fatalf("confirmation page missing success text: %s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := server.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code != "abc" || result.State != "xyz" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.IsError() {
		t.Fatal("result should not be an error")
	}
}

func TestLoopbackErrorCallback(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get(server.RedirectURI() + "?error=access_denied&error_description=nope&state=s")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	defer resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := server.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !result.IsError() || result.Error != "access_denied" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestLoopbackRejectsWrongPathAndMethod(t *testing.T) {
	server := startServer(t)

	u, err := url.Parse(server.RedirectURI())
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	resp, err := http.Get("http://" + u.Host + "/callback/other")
	if err != nil {
		t.Fatalf("GET wrong path: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong path status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(server.RedirectURI(), "text/plain", nil)
	if err != nil {
		t.Fatalf("POST callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method status = %d, want 405", resp.StatusCode)
	}
}

func TestLoopbackSingleUse(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get(server.RedirectURI() + "?code=first&state=s")
	if err != nil {
		t.Fatalf("first GET: %v", err)
	}
	resp.Body.Close()

	// A second hit before shutdown must not override the first result.
	resp, err = http.Get(server.RedirectURI() + "?code=second&state=s")
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			t.Fatalf("second callback got 200, want rejection")
		}
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := server.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code != "first" {
		t.Fatalf("result code = %q, want %q", result.Code, "first")
	}
}

func TestLoopbackReleasesPortAfterCallback(t *testing.T) {
	server := startServer(t)
	server.graceDelay = 10 * time.Millisecond
	addr := server.listener.Addr().String()

	resp, err := http.Get(server.RedirectURI() + "?code=c&state=s")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("port %s not released after callback", addr)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLoopbackPortFallback(t *testing.T) {
	// Occupy two fixed ports so the server has to fall through to the
	// ephemeral fallback.
	busy1, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy1.Close()
	busy2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy2.Close()

	ports := []int{
		busy1.Addr().(*net.TCPAddr).Port,
		busy2.Addr().(*net.TCPAddr).Port,
	}

	server := NewLoopbackServer(ports, testLogger())
	redirect, err := server.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Close()

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	for _, p := range ports {
		if u.Port() == fmt.Sprint(p) {
			t.Fatalf("server bound occupied port %d", p)
		}
	}
}

func TestLoopbackCloseIdempotent(t *testing.T) {
	server := startServer(t)
	server.Close()
	server.Close()
	server.Close()
}
