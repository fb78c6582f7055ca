// Package brokertest contains utilities for unit tests against an ephemeral
// in-process Redis.
package brokertest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/sipsociety/backbone/pkg/broker"
)

// Broker is an in-process Redis plus a connected broker client.
type Broker struct {
	Mini   *miniredis.Miniredis
	Client *broker.Client
}

// New starts a miniredis and connects a broker client to it.
func New(ctx context.Context, t testing.TB) *Broker {
	mr := miniredis.RunT(t)
	client := broker.NewClient(zaptest.NewLogger(t), broker.Options{
		DevURL: "redis://" + mr.Addr(),
		Mode:   broker.ModeDevelopment,
	})
	if _, err := client.Connect(ctx); err != nil {
		t.Fatal("Failed to connect to miniredis:", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return &Broker{Mini: mr, Client: client}
}
