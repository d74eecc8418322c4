package location

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/model"
	"taglocator/gateway-server/internal/store"
)

type rssiRow struct {
	tenant string
	sample model.RssiWindowSample
}

type memStore struct {
	mu      sync.Mutex
	tenants []string
	tags    map[string]map[string]model.Tag
	rssi    []rssiRow
	updates int
	block   chan struct{}
}

func newMemStore(tenants ...string) *memStore {
	s := &memStore{tenants: tenants, tags: make(map[string]map[string]model.Tag)}
	for _, t := range tenants {
		s.tags[t] = make(map[string]model.Tag)
	}
	return s
}

func (s *memStore) ListTenants(context.Context) ([]string, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tenants...), nil
}

func (s *memStore) LookupTag(_ context.Context, companyID, tagID string) (model.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[companyID][tagID]
	if !ok {
		return model.Tag{}, fmt.Errorf("tag %s: %w", tagID, store.ErrNotFound)
	}
	return tag, nil
}

func (s *memStore) UpdateTagOwner(_ context.Context, companyID, tagID, gwID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.tags[companyID][tagID]
	tag.GatewayID = gwID
	s.tags[companyID][tagID] = tag
	s.updates++
	return nil
}

func (s *memStore) InsertRssiSample(_ context.Context, companyID string, sample model.RssiWindowSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rssi = append(s.rssi, rssiRow{tenant: companyID, sample: sample})
	return nil
}

func (s *memStore) AggregateRssi(_ context.Context, companyID string, since time.Time) ([]model.RssiAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct{ tag, gw string }
	idx := make(map[key]int)
	var out []model.RssiAggregate
	var sums []int
	for _, r := range s.rssi {
		if r.tenant != companyID || r.sample.SensedAt.Before(since) {
			continue
		}
		k := key{r.sample.TagID, r.sample.GatewayID}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, model.RssiAggregate{TagID: k.tag, GatewayID: k.gw})
			sums = append(sums, 0)
		}
		sums[i] += r.sample.RSSI
		out[i].Samples++
	}
	for i := range out {
		out[i].AvgRSSI = float64(sums[i]) / float64(out[i].Samples)
	}
	return out, nil
}

func (s *memStore) DeleteExpiredRssi(_ context.Context, companyID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rssi[:0]
	var n int64
	for _, r := range s.rssi {
		if r.tenant == companyID && r.sample.SensedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rssi = kept
	return n, nil
}

func (s *memStore) owner(tenant, tag string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[tenant][tag].GatewayID
}

type fixedModes map[string]model.LocationMode

func (m fixedModes) Mode(_ context.Context, companyID string) (model.LocationMode, error) {
	if mode, ok := m[companyID]; ok {
		return mode, nil
	}
	return model.ModeRealtime, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []model.OwnerChange
}

func (n *recordingNotifier) OwnerChanged(_ context.Context, c model.OwnerChange) {
	n.mu.Lock()
	n.changes = append(n.changes, c)
	n.mu.Unlock()
}

func newTestEngine(st *memStore, modes fixedModes, n Notifier, now time.Time) *Engine {
	e := New(st, modes, n, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New(nil), Options{})
	e.now = func() time.Time { return now }
	return e
}

func TestRealtimeMovesTagImmediately(t *testing.T) {
	st := newMemStore("acme")
	st.tags["acme"]["T"] = model.Tag{TagID: "T", GatewayID: "G1"}
	notifier := &recordingNotifier{}
	e := newTestEngine(st, fixedModes{"acme": model.ModeRealtime}, notifier, time.Now())

	err := e.Apply(context.Background(), "acme", st.tags["acme"]["T"], model.TagSample{TagID: "T", GatewayID: "G2", RSSI: -90})
	require.NoError(t, err)

	assert.Equal(t, "G2", st.owner("acme", "T"))
	require.Len(t, notifier.changes, 1)
	assert.Equal(t, "G1", notifier.changes[0].FromGatewayID)
	assert.Equal(t, "G2", notifier.changes[0].ToGatewayID)
	assert.Empty(t, st.rssi)
}

func TestRealtimeSameGatewayIsNoop(t *testing.T) {
	st := newMemStore("acme")
	st.tags["acme"]["T"] = model.Tag{TagID: "T", GatewayID: "G1"}
	e := newTestEngine(st, fixedModes{}, nil, time.Now())

	require.NoError(t, e.Apply(context.Background(), "acme", st.tags["acme"]["T"], model.TagSample{TagID: "T", GatewayID: "G1"}))
	assert.Equal(t, 0, st.updates)
}

func TestAccuracyBuffersWithoutMoving(t *testing.T) {
	st := newMemStore("acme")
	st.tags["acme"]["T"] = model.Tag{TagID: "T", GatewayID: "G1"}
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	e := newTestEngine(st, fixedModes{"acme": model.ModeAccuracy}, nil, now)

	require.NoError(t, e.Apply(context.Background(), "acme", st.tags["acme"]["T"], model.TagSample{TagID: "T", GatewayID: "G2", RSSI: -40}))

	assert.Equal(t, "G1", st.owner("acme", "T"))
	require.Len(t, st.rssi, 1)
	assert.Equal(t, now, st.rssi[0].sample.SensedAt)
}

func TestBatchAssignsStrongestMeanAndKeepsIdleTags(t *testing.T) {
	st := newMemStore("acme", "rt", model.UnregisteredTenant)
	st.tags["acme"]["T"] = model.Tag{TagID: "T", GatewayID: "G2"}
	st.tags["acme"]["IDLE"] = model.Tag{TagID: "IDLE", GatewayID: "G9"}
	st.tags["rt"]["R"] = model.Tag{TagID: "R", GatewayID: "G1"}

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	add := func(tenant, tag, gw string, rssi int, age time.Duration) {
		st.rssi = append(st.rssi, rssiRow{tenant, model.RssiWindowSample{TagID: tag, GatewayID: gw, RSSI: rssi, SensedAt: now.Add(-age)}})
	}
	for i, r := range []int{-58, -62, -60, -59, -61} {
		add("acme", "T", "G1", r, time.Duration(i+1)*time.Minute)
	}
	for i, r := range []int{-70, -69, -71} {
		add("acme", "T", "G2", r, time.Duration(i+1)*time.Minute)
	}
	// strong but outside the decision window
	add("acme", "IDLE", "G3", -20, 15*time.Minute)
	// beyond retention
	add("acme", "T", "G3", -10, 45*time.Minute)
	add("rt", "R", "G5", -10, time.Minute)

	notifier := &recordingNotifier{}
	e := newTestEngine(st, fixedModes{"acme": model.ModeAccuracy}, notifier, now)

	report, err := e.TryRunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "G1", st.owner("acme", "T"))
	assert.Equal(t, "G9", st.owner("acme", "IDLE"), "tag without window samples keeps its owner")
	assert.Equal(t, "G1", st.owner("rt", "R"), "realtime tenants are not batched")
	assert.Equal(t, 1, report.Tenants)
	assert.Equal(t, 1, report.Tags)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, int64(1), report.Expired)
	require.Len(t, notifier.changes, 1)
	assert.Equal(t, model.ModeAccuracy, notifier.changes[0].Mode)
}

func TestStrongestGatewaysTieGoesToFirst(t *testing.T) {
	winners := StrongestGateways([]model.RssiAggregate{
		{TagID: "A", GatewayID: "G1", AvgRSSI: -60},
		{TagID: "B", GatewayID: "G1", AvgRSSI: -80},
		{TagID: "A", GatewayID: "G2", AvgRSSI: -60},
		{TagID: "B", GatewayID: "G3", AvgRSSI: -50},
	})
	require.Len(t, winners, 2)
	assert.Equal(t, "G1", winners[0].GatewayID)
	assert.Equal(t, "B", winners[1].TagID)
	assert.Equal(t, "G3", winners[1].GatewayID)
}

func TestBatchIsNotReentrant(t *testing.T) {
	st := newMemStore("acme")
	st.block = make(chan struct{})
	e := newTestEngine(st, fixedModes{"acme": model.ModeAccuracy}, nil, time.Now())

	done := make(chan error, 1)
	go func() {
		_, err := e.TryRunBatch(context.Background())
		done <- err
	}()

	require.Eventually(t, e.running.Load, time.Second, 5*time.Millisecond)

	_, err := e.TryRunBatch(context.Background())
	assert.ErrorIs(t, err, ErrBatchRunning)

	close(st.block)
	require.NoError(t, <-done)
	assert.False(t, e.running.Load())
}
