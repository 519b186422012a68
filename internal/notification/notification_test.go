package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

type fakeNotifier struct {
	name    string
	enabled bool
	fail    bool
	sent    []*Alert
}

func (f *fakeNotifier) Name() string  { return f.name }
func (f *fakeNotifier) Enabled() bool { return f.enabled }
func (f *fakeNotifier) Send(_ context.Context, alert *Alert) error {
	if f.fail {
		return errors.New("channel down")
	}
	f.sent = append(f.sent, alert)
	return nil
}

func testManager() *Manager {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout", Component: "test"})
	return NewManager(logger, metrics.NewRegistry())
}

func TestDispatchRecordsPerChannelStatus(t *testing.T) {
	m := testManager()
	healthy := &fakeNotifier{name: "telegram", enabled: true}
	broken := &fakeNotifier{name: "discord", enabled: true, fail: true}
	m.AddNotifier(healthy)
	m.AddNotifier(broken)

	alert := NewAlert(PriorityHigh, AlertRisk, "drawdown limit", "daily loss over 5%")
	delivered := m.Dispatch(context.Background(), alert)

	assert.True(t, delivered)
	require.Len(t, healthy.sent, 1)
	assert.True(t, alert.Delivery["telegram"].Delivered)
	assert.False(t, alert.Delivery["discord"].Delivered)
	assert.Contains(t, alert.Delivery["discord"].Error, "channel down")
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	m := testManager()
	off := &fakeNotifier{name: "telegram", enabled: false}
	m.AddNotifier(off)

	alert := NewAlert(PriorityInfo, AlertMilestone, "milestone", "100 trades")
	assert.False(t, m.Dispatch(context.Background(), alert))
	assert.Empty(t, off.sent)
	assert.NotContains(t, alert.Delivery, "telegram")
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	m := testManager()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }

	ch := &fakeNotifier{name: "telegram", enabled: true}
	m.AddNotifier(ch)

	mk := func() *Alert {
		a := NewAlert(PriorityMedium, AlertPrice, "BTC above 100k", "crossed threshold")
		a.Symbol = "BTCUSDT"
		a.Throttle = 15 * time.Minute
		return a
	}

	assert.True(t, m.Dispatch(context.Background(), mk()))
	assert.False(t, m.Dispatch(context.Background(), mk()))
	assert.Len(t, ch.sent, 1)

	// Window elapsed, the same alert goes through again
	now = now.Add(16 * time.Minute)
	assert.True(t, m.Dispatch(context.Background(), mk()))
	assert.Len(t, ch.sent, 2)
}

func TestCriticalBypassesThrottle(t *testing.T) {
	m := testManager()
	ch := &fakeNotifier{name: "telegram", enabled: true}
	m.AddNotifier(ch)

	mk := func() *Alert {
		a := NewAlert(PriorityCritical, AlertRisk, "position quarantined", "ledger mismatch")
		a.Throttle = time.Hour
		return a
	}

	assert.True(t, m.Dispatch(context.Background(), mk()))
	assert.True(t, m.Dispatch(context.Background(), mk()))
	assert.Len(t, ch.sent, 2)
}

func TestFromErrorEscalatesLogicErrors(t *testing.T) {
	logic := errs.Logic("position.reduce", "negative current size")
	alert := FromError(logic)
	assert.Equal(t, PriorityCritical, alert.Priority)
	assert.Equal(t, AlertRisk, alert.Type)

	upstream := errs.Upstream("marketdata.Candles", errors.New("timeout"))
	alert = FromError(upstream)
	assert.Equal(t, PriorityHigh, alert.Priority)
	assert.Equal(t, AlertHealth, alert.Type)
}

func TestDisabledChannelsStayDisabledWithoutCreds(t *testing.T) {
	tg := NewTelegramNotifier(TelegramConfig{Enabled: true})
	assert.False(t, tg.Enabled())

	dc := NewDiscordNotifier(DiscordConfig{Enabled: true})
	assert.False(t, dc.Enabled())

	dc = NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: "https://discord test"})
	assert.True(t, dc.Enabled())
}
