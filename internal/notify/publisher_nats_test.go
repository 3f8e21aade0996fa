// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

//go:build nats

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/custodywatch/internal/detection"
)

// startEmbeddedNATS runs an in-process core NATS server on a random port.
func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		ServerName: "custodywatch-test",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready within timeout")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestNATSNotifier_EmbeddedServer(t *testing.T) {
	ns := startEmbeddedNATS(t)

	cfg := testConfig()
	cfg.URL = ns.ClientURL()

	sub, err := natsgo.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()

	inbox, err := sub.SubscribeSync(cfg.Subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := NewNATSPublisher(cfg, nil)
	if err != nil {
		t.Fatalf("NewNATSPublisher: %v", err)
	}
	notifier := NewNATSNotifier(cfg, pub)
	defer notifier.Close()

	rec := testRecord()
	if err := notifier.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := inbox.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}

	var got detection.Record
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ID != rec.ID || got.Kind != rec.Kind || got.AssetID != rec.AssetID {
		t.Errorf("payload = %+v, want record %d", got, rec.ID)
	}
	if kind := msg.Header.Get("kind"); kind != string(detection.KindRapidExchange) {
		t.Errorf("kind header = %q", kind)
	}
	if got := msg.Header.Get(natsgo.MsgIdHdr); got != MessageID(rec) {
		t.Errorf("Nats-Msg-Id = %q, want %q", got, MessageID(rec))
	}
}
