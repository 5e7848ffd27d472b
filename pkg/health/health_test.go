package health

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/store"
)

func TestStoreChecker(t *testing.T) {
	m := store.NewMemoryStore()
	c := NewStoreChecker(m)

	res := c.Check(context.Background())
	assert.True(t, res.Healthy)
	assert.Equal(t, CheckTypeStore, c.Type())

	m.Close()
	res = c.Check(context.Background())
	assert.False(t, res.Healthy, "closed store fails the ping")
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	res := NewTCPChecker(ln.Addr().String()).Check(context.Background())
	assert.True(t, res.Healthy)

	res = NewTCPChecker("127.0.0.1:1").Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestRegistryAggregates(t *testing.T) {
	m := store.NewMemoryStore()
	defer m.Close()

	reg := NewRegistry()
	reg.Add("store", NewStoreChecker(m))

	results := reg.Run(context.Background())
	require.Len(t, results, 1)
	assert.True(t, Healthy(results))

	reg.Add("device", NewTCPChecker("127.0.0.1:1"))
	results = reg.Run(context.Background())
	assert.False(t, Healthy(results))
}
