// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/geohashd/internal/protocol"
)

const (
	replyLondon = `{"city":"London","admin":"England","country":"GB","precision":8,"hits":1}`
	replyMiss   = `{"city":null,"admin":null,"country":null,"precision":0,"hits":0}`
)

func TestParseReply(t *testing.T) {
	t.Run("a lookup result", func(t *testing.T) {
		reply, err := ParseReply([]byte(replyLondon + "\n"))
		if err != nil {
			t.Fatalf("failed to parse reply: %s", err)
		}
		if reply.Err() != nil {
			t.Fatalf("expected no error reply, got %s", reply.Err())
		}
		if !reply.Result.Found() || *reply.Result.City != "London" {
			t.Errorf("expected London, got %+v", reply.Result)
		}
		if reply.Result.Precision != 8 || reply.Result.Hits != 1 {
			t.Errorf("expected precision 8 and hits 1, got %d and %d", reply.Result.Precision, reply.Result.Hits)
		}
	})
	t.Run("a miss", func(t *testing.T) {
		reply, err := ParseReply([]byte(replyMiss))
		if err != nil {
			t.Fatalf("failed to parse reply: %s", err)
		}
		if reply.Result.Found() {
			t.Error("expected a miss")
		}
	})
	t.Run("an error line", func(t *testing.T) {
		reply, err := ParseReply([]byte(protocol.MsgGeohashTooShort))
		if err != nil {
			t.Fatalf("failed to parse reply: %s", err)
		}
		if reply.Error != protocol.MsgGeohashTooShort {
			t.Errorf("expected error %q, got %q", protocol.MsgGeohashTooShort, reply.Error)
		}
		if !errors.Is(reply.Err(), ErrServer) {
			t.Errorf("expected error to be %s, got %s", ErrServer, reply.Err())
		}
	})
	t.Run("garbage fails", func(t *testing.T) {
		if _, err := ParseReply([]byte("hello")); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestClient(t *testing.T) {
	t.Run("geohash query", func(t *testing.T) {
		addr, _ := startMockServer(t)
		client := dialMock(t, addr)
		reply, err := client.QueryGeohash(t.Context(), PingGeohash)
		if err != nil {
			t.Fatalf("failed to query geohash: %s", err)
		}
		if reply.Result == nil || *reply.Result.City != "London" {
			t.Errorf("expected London, got %+v", reply)
		}
	})
	t.Run("coordinate query", func(t *testing.T) {
		addr, received := startMockServer(t)
		client := dialMock(t, addr)
		reply, err := client.QueryLatLon(t.Context(), 51.5074, -0.1278)
		if err != nil {
			t.Fatalf("failed to query coordinates: %s", err)
		}
		if reply.Result == nil || reply.Result.Found() {
			t.Errorf("expected a miss, got %+v", reply)
		}
		req := <-received
		data, err := req.Text()
		if err != nil {
			t.Fatalf("failed to read request data: %s", err)
		}
		if req.Command() != protocol.CmdLatLon || data != "51.5074,-0.1278" {
			t.Errorf("unexpected request sent: %s %s", req.Command(), data)
		}
	})
	t.Run("error replies are returned", func(t *testing.T) {
		addr, _ := startMockServer(t)
		client := dialMock(t, addr)
		reply, err := client.QueryGeohash(t.Context(), "gcp")
		if err != nil {
			t.Fatalf("failed to query geohash: %s", err)
		}
		if reply.Error != protocol.MsgGeohashTooShort {
			t.Errorf("expected error %q, got %q", protocol.MsgGeohashTooShort, reply.Error)
		}
	})
	t.Run("ping succeeds", func(t *testing.T) {
		addr, _ := startMockServer(t)
		client := dialMock(t, addr)
		if err := client.Ping(t.Context()); err != nil {
			t.Errorf("expected ping to succeed, got %s", err)
		}
	})
	t.Run("disconnect sends the command and closes", func(t *testing.T) {
		addr, received := startMockServer(t)
		client := dialMock(t, addr)
		if err := client.Disconnect(); err != nil {
			t.Fatalf("failed to disconnect: %s", err)
		}
		select {
		case req := <-received:
			if req.Command() != protocol.CmdDisconnect || len(req.Data) != 0 {
				t.Errorf("expected bare disconnect command, got %q", req.Command())
			}
		case <-time.After(time.Second):
			t.Fatal("no disconnect request received")
		}
		if _, err := client.QueryGeohash(t.Context(), PingGeohash); err == nil {
			t.Error("expected query on closed client to fail")
		}
	})
	t.Run("dial failure", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to listen: %s", err)
		}
		addr := ln.Addr().String()
		_ = ln.Close()
		if _, err = Dial(t.Context(), addr); err == nil {
			t.Error("expected dial to fail")
		}
	})
	t.Run("query times out on a silent server", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to listen: %s", err)
		}
		t.Cleanup(func() { _ = ln.Close() })
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, conn)
			_ = conn.Close()
		}()
		client := dialMock(t, ln.Addr().String())
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		if _, err = client.QueryGeohash(ctx, PingGeohash); err == nil {
			t.Error("expected query to time out")
		}
	})
}

func dialMock(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := Dial(t.Context(), addr)
	if err != nil {
		t.Fatalf("failed to dial mock server: %s", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// startMockServer serves a single session, answering PingGeohash with London, short geohashes
// with an error and everything else with a miss. Received requests are sent to the returned
// channel.
func startMockServer(t *testing.T) (string, <-chan protocol.Request) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen for mock server: %s", err)
	}
	received := make(chan protocol.Request, 8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req protocol.Request
			if err = json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			received <- req
			var reply string
			data, dataErr := req.Text()
			switch {
			case req.Command() == protocol.CmdDisconnect:
				return
			case dataErr == nil && data == PingGeohash:
				reply = replyLondon
			case dataErr == nil && len(data) < 8:
				reply = protocol.MsgGeohashTooShort
			default:
				reply = replyMiss
			}
			if _, err = conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		if closeErr := ln.Close(); closeErr != nil {
			t.Logf("failed to close mock server listener: %s", closeErr)
		}
		wg.Wait()
	})
	return ln.Addr().String(), received
}
