package stream

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/chargelink/charge-agent/internal/config"
)

func newSubscriber(t *testing.T, handler http.Handler, delay time.Duration) (*Subscriber, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := New(
		cfgpkg.BackendConfig{BaseURL: srv.URL, APIKey: "k"},
		cfgpkg.StreamConfig{Enable: true, ReconnectDelay: delay},
		zap.NewNop(),
	)
	return s, srv
}

func TestSubscribe_DisabledReturnsNil(t *testing.T) {
	s := New(cfgpkg.BackendConfig{BaseURL: "http://x"}, cfgpkg.StreamConfig{Enable: false}, zap.NewNop())
	assert.Nil(t, s.Subscribe("CP1", Handlers{}))
}

func TestSubscribe_DispatchesTypedEvents(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CP1", r.URL.Query().Get("cbid"))
		assert.Equal(t, "telemetry-updated,status-change,heartbeat", r.URL.Query().Get("types"))
		assert.Equal(t, "k", r.URL.Query().Get("apiKey"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
		_, _ = w.Write([]byte("event: status-change\ndata: {\"payload\":{\"status\":\"Charging\"}}\n\n"))
		_, _ = w.Write([]byte("event: telemetry-updated\ndata: {\"transactionId\":\"42\",\"telemetry\":{\"powerKW\":\"7.2\",\"batteryPercent\":55}}\n\n"))
		fl.Flush()
		// 保持连接直到客户端断开，避免触发重连路径
		<-r.Context().Done()
	})
	s, _ := newSubscriber(t, handler, time.Hour)

	heartbeats := make(chan struct{}, 1)
	statuses := make(chan string, 1)
	telemetry := make(chan TelemetryEvent, 1)
	sub := s.Subscribe("CP1", Handlers{
		OnHeartbeat:    func() { heartbeats <- struct{}{} },
		OnStatusChange: func(st string) { statuses <- st },
		OnTelemetry:    func(ev TelemetryEvent) { telemetry <- ev },
	})
	require.NotNil(t, sub)
	defer sub.Unsubscribe()

	select {
	case <-heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not delivered")
	}
	assert.Equal(t, "Charging", <-statuses)

	ev := <-telemetry
	require.True(t, ev.TransactionID.Valid)
	assert.Equal(t, int64(42), ev.TransactionID.Val)
	require.True(t, ev.Telemetry.PowerKW.Valid)
	assert.InDelta(t, 7.2, ev.Telemetry.PowerKW.Val, 1e-9)
	assert.InDelta(t, 55, ev.Telemetry.BatteryPercent.Val, 1e-9)
}

func TestSubscribe_ReconnectsAfterDrop(t *testing.T) {
	var connects atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
		w.(http.Flusher).Flush()
		if n == 1 {
			return // 断开，订阅器应在固定延迟后重连
		}
		<-r.Context().Done()
	})
	s, _ := newSubscriber(t, handler, 10*time.Millisecond)

	beats := make(chan struct{}, 4)
	sub := s.Subscribe("CP1", Handlers{OnHeartbeat: func() { beats <- struct{}{} }})
	require.NotNil(t, sub)
	defer sub.Unsubscribe()

	for i := 0; i < 2; i++ {
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat %d not delivered", i+1)
		}
	}
	assert.GreaterOrEqual(t, connects.Load(), int32(2))
}

func TestSubscribe_ErrorStatusTriggersHandlerAndRetry(t *testing.T) {
	var connects atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connects.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	s, _ := newSubscriber(t, handler, 10*time.Millisecond)

	errs := make(chan error, 1)
	beats := make(chan struct{}, 1)
	sub := s.Subscribe("CP1", Handlers{
		OnError:     func(err error) { errs <- err },
		OnHeartbeat: func() { beats <- struct{}{} },
	})
	require.NotNil(t, sub)
	defer sub.Unsubscribe()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not invoked")
	}
	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("did not recover after error")
	}
}

func TestUnsubscribe_StopsLoop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	s, _ := newSubscriber(t, handler, time.Hour)

	sub := s.Subscribe("CP1", Handlers{})
	require.NotNil(t, sub)

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe did not return")
	}
	// 对 nil 订阅（流禁用时）取消应为安全空操作
	var nilSub *Subscription
	nilSub.Unsubscribe()
}
