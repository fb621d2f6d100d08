package aprs

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

func TestFeedClientLoginAndLineDelivery(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	var mu sync.Mutex
	var lines []string
	handler := func(line string, receiveTs int64) {
		mu.Lock()
		defer mu.Unlock()
		if receiveTs == 0 {
			t.Error("receive timestamp missing")
		}
		lines = append(lines, line)
	}

	cfg := config.FeedConfig{
		Host:            "example.net",
		Port:            14580,
		Callsign:        "N0CALL",
		Passcode:        "-1",
		Filter:          "r/60.2/24.9/500",
		ReadTimeoutSecs: 5,
	}
	c := NewFeedClient(cfg, handler, logger.NewNop())
	c.dial = func(context.Context, string, string) (net.Conn, error) {
		return clientConn, nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.runOnce(context.Background(), "example.net:14580")
	}()

	reader := bufio.NewReader(serverConn)
	login, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read login: %v", err)
	}
	login = strings.TrimRight(login, "\r\n")
	want := "user N0CALL pass -1 vers aprsmap 1.0 filter r/60.2/24.9/500"
	if login != want {
		t.Fatalf("login = %q, want %q", login, want)
	}

	feed := "# aprsc 2.1.15 keepalive\r\n" +
		"N0CALL-9>APRS:!6012.34N/02455.67E>\r\n" +
		"\r\n" +
		"OTHER-1>APRS:>status\r\n"
	if _, err := serverConn.Write([]byte(feed)); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	// Closing the server side ends the read loop with an error; comments and
	// blank lines must not have been forwarded.
	time.Sleep(50 * time.Millisecond)
	serverConn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("closed feed must surface an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce did not return after feed close")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 {
		t.Fatalf("delivered lines = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "N0CALL-9>") || !strings.HasPrefix(lines[1], "OTHER-1>") {
		t.Fatalf("delivered lines = %v", lines)
	}
}

func TestFeedClientStopsOnContextCancel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	cfg := config.FeedConfig{
		Host:            "example.net",
		Callsign:        "N0CALL",
		Passcode:        "-1",
		ReadTimeoutSecs: 5,
	}
	c := NewFeedClient(cfg, func(string, int64) {}, logger.NewNop())
	c.dial = func(context.Context, string, string) (net.Conn, error) {
		return clientConn, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.runOnce(ctx, "example.net:14580")
	}()

	// Drain the login line, then cancel; the watcher closes the socket and
	// the blocked read returns.
	if _, err := bufio.NewReader(serverConn).ReadString('\n'); err != nil {
		t.Fatalf("read login: %v", err)
	}
	cancel()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce did not return after cancel")
	}
}
