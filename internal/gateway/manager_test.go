package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/credential"
	"signal-engine/pkg/config"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/exchange/exchangetest"
)

type stubResolver struct {
	creds map[string]*credential.Credential
}

func (s stubResolver) Resolve(_ context.Context, userID, _, _ string) (*credential.Credential, error) {
	if c, ok := s.creds[userID]; ok {
		return c, nil
	}
	return nil, credential.ErrNotFound
}

func (s stubResolver) ByID(_ context.Context, id string) (*credential.Credential, error) {
	for _, c := range s.creds {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, credential.ErrNotFound
}

func newTestManager(t *testing.T) (*Manager, *int) {
	t.Helper()
	built := 0
	factory := func(baseURL string, _ int64, _ *credential.Credential) exchange.Venue {
		built++
		return exchangetest.New(baseURL)
	}
	res := stubResolver{creds: map[string]*credential.Credential{
		"u1": {ID: "c1", UserID: "u1", Exchange: "bybit", Environment: "mainnet"},
		"u2": {ID: "c2", UserID: "u2", Exchange: "bybit", Environment: "testnet"},
		"u3": {ID: "c3", UserID: "u3", Exchange: "other", Environment: "mainnet"},
	}}
	m := NewManager(res, config.DefaultPolicy(), factory, DefaultConfig(), nil)
	return m, &built
}

func TestAcquireBuildsPrimaryAndFallback(t *testing.T) {
	m, built := newTestManager(t)

	lease, err := m.Acquire(context.Background(), "u1", "bybit", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "https://api.bybit.com", lease.Primary.Endpoint())
	require.NotNil(t, lease.Fallback)
	assert.Equal(t, "https://api.bytick.com", lease.Fallback.Endpoint())
	assert.Equal(t, 2, *built)

	again, err := m.Acquire(context.Background(), "u1", "bybit", "mainnet")
	require.NoError(t, err)
	assert.Same(t, lease.Primary, again.Primary)
	assert.Equal(t, 2, *built)
}

func TestAcquireTestnetHasNoFallback(t *testing.T) {
	m, _ := newTestManager(t)
	lease, err := m.Acquire(context.Background(), "u2", "bybit", "testnet")
	require.NoError(t, err)
	assert.Nil(t, lease.Fallback)
}

func TestAcquireErrors(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), "nobody", "bybit", "testnet")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	_, err = m.Acquire(context.Background(), "u3", "other", "mainnet")
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestCircuitRoutesToFallback(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "u1", "bybit", "mainnet")
	require.NoError(t, err)

	transient := &exchange.Error{Class: exchange.ClassTransient, HTTPStatus: 502}
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		m.RecordResult("c1", lease.Primary, transient)
	}
	assert.Equal(t, 1, m.Stats().UnhealthyCount)

	rerouted, err := m.Acquire(ctx, "u1", "bybit", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "https://api.bytick.com", rerouted.Primary.Endpoint())
	assert.Nil(t, rerouted.Fallback)

	m.RecordResult("c1", lease.Primary, nil)
	healed, err := m.Acquire(ctx, "u1", "bybit", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "https://api.bybit.com", healed.Primary.Endpoint())
}

func TestAuthErrorsDoNotTripCircuit(t *testing.T) {
	m, _ := newTestManager(t)
	lease, err := m.Acquire(context.Background(), "u2", "bybit", "testnet")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		m.RecordResult("c2", lease.Primary, &exchange.Error{Class: exchange.ClassAuth})
	}
	assert.Equal(t, 0, m.Stats().UnhealthyCount)
}

func TestUnhealthyWithoutFallback(t *testing.T) {
	m, _ := newTestManager(t)
	lease, err := m.Acquire(context.Background(), "u2", "bybit", "testnet")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m.RecordResult("c2", lease.Primary, &exchange.Error{Class: exchange.ClassTransient})
	}
	_, err = m.Acquire(context.Background(), "u2", "bybit", "testnet")
	assert.ErrorIs(t, err, ErrGatewayUnhealthy)
}

func TestRemoveCredentialAndUser(t *testing.T) {
	m, built := newTestManager(t)
	ctx := context.Background()
	_, err := m.Acquire(ctx, "u1", "bybit", "mainnet")
	require.NoError(t, err)
	_, err = m.AcquireByID(ctx, "u2", "c2")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Stats().TotalClients)

	m.RemoveCredential("c1")
	assert.Equal(t, 1, m.Stats().TotalClients)
	m.RemoveByUser("u2")
	assert.Equal(t, 0, m.Stats().TotalClients)

	_, err = m.Acquire(ctx, "u1", "bybit", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, 5, *built)
}

func TestLRUEviction(t *testing.T) {
	m, _ := newTestManager(t)
	m.config.MaxSize = 2
	ctx := context.Background()

	_, err := m.Acquire(ctx, "u1", "bybit", "mainnet") // two clients
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "u2", "bybit", "testnet")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Stats().TotalClients)
}
