package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/secureflow/secureflow-ids/internal/ingest"
	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_EventsParse(t *testing.T) {
	parser, err := ingest.NewParser()
	require.NoError(t, err)
	g := New(42, true, Mix{})

	tests := []struct {
		name     string
		event    Event
		protocol model.Protocol
		check    func(t *testing.T, ev *model.NetworkEvent)
	}{
		{
			name:     "benign",
			event:    g.Benign(),
			protocol: "",
		},
		{
			name:     "sql injection",
			event:    g.SQLInjection(),
			protocol: model.ProtocolTCP,
			check: func(t *testing.T, ev *model.NetworkEvent) {
				assert.Regexp(t, `(?i)'|union|drop`, string(ev.Payload))
			},
		},
		{
			name:     "xmas scan",
			event:    g.XmasScan(),
			protocol: model.ProtocolTCP,
			check: func(t *testing.T, ev *model.NetworkEvent) {
				assert.True(t, ev.HasFlag("FIN"))
				assert.True(t, ev.HasFlag("PSH"))
				assert.True(t, ev.HasFlag("URG"))
			},
		},
		{
			name:     "icmp tunnel",
			event:    g.ICMPTunnel(),
			protocol: model.ProtocolICMP,
			check: func(t *testing.T, ev *model.NetworkEvent) {
				assert.GreaterOrEqual(t, len(ev.Payload), 600, "hex payload is decoded")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)

			ev, err := parser.Parse(data)
			require.NoError(t, err)
			assert.Equal(t, tt.event.ID, ev.ID)
			assert.Equal(t, tt.event.SourceIP, ev.SourceIP)
			if tt.protocol != "" {
				assert.Equal(t, tt.protocol, ev.Protocol)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestGenerator_PortScan(t *testing.T) {
	g := New(1, true, Mix{})
	events := g.PortScan("192.168.1.99", "10.0.5.55", 20, 120)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, 20+i, *ev.Port)
		assert.Equal(t, []string{"SYN"}, ev.Flags)
		assert.Equal(t, KindPortScan, ev.Kind)
	}
}

func TestGenerator_MixSelectsKinds(t *testing.T) {
	tests := []struct {
		name  string
		chaos bool
		mix   Mix
		want  string
	}{
		{name: "chaos off", chaos: false, mix: Mix{SQLInjection: 1}, want: KindBenign},
		{name: "all sql", chaos: true, mix: Mix{SQLInjection: 1}, want: KindSQLInjection},
		{name: "all xmas", chaos: true, mix: Mix{XmasScan: 1}, want: KindXmasScan},
		{name: "all icmp", chaos: true, mix: Mix{ICMPTunnel: 1}, want: KindICMPTunnel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(7, tt.chaos, tt.mix)
			for i := 0; i < 20; i++ {
				assert.Equal(t, tt.want, g.Next().Kind)
			}
		})
	}
}

func TestHTTPSink(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	fail := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, `{"error":"bad","code":"invalid_event"}`, http.StatusBadRequest)
			return
		}
		var ev Event
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &ev)
		got = append(got, ev)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, time.Second)
	defer sink.Close()

	g := New(3, false, Mix{})
	ev := g.Benign()
	require.NoError(t, sink.Send(context.Background(), ev))

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	fail = true
	mu.Unlock()

	err := sink.Send(context.Background(), g.Benign())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

type fakeNATS struct {
	subjects []string
	flushed  bool
	err      error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeNATS) Flush() error {
	f.flushed = true
	return nil
}

func TestNATSSink(t *testing.T) {
	conn := &fakeNATS{}
	sink := NewNATSSink(conn, "ids.events")
	require.NoError(t, sink.Send(context.Background(), New(1, false, Mix{}).Benign()))
	require.NoError(t, sink.Close())
	assert.Equal(t, []string{"ids.events"}, conn.subjects)
	assert.True(t, conn.flushed)

	conn.err = errors.New("connection closed")
	assert.Error(t, sink.Send(context.Background(), New(1, false, Mix{}).Benign()))
}

type fakeProducer struct {
	msgs      []*kafka.Message
	remaining int
	closed    bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeProducer) Flush(timeoutMs int) int { return f.remaining }

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaSink(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewKafkaSink(producer, "network-telemetry")

	ev := New(5, true, Mix{}).SQLInjection()
	require.NoError(t, sink.Send(context.Background(), ev))
	require.Len(t, producer.msgs, 1)
	assert.Equal(t, "network-telemetry", *producer.msgs[0].TopicPartition.Topic)
	assert.Equal(t, []byte(ev.SourceIP), producer.msgs[0].Key)

	producer.remaining = 3
	assert.Error(t, sink.Close())
	assert.True(t, producer.closed)
}

func TestConfig_Validate(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Sink)

	cfg.Sink = "smtp"
	cfg.WorkerCount = 0
	cfg.SQLInjection = 0.9
	cfg.XmasScan = 0.9
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink")
	assert.Contains(t, err.Error(), "worker_count")
	assert.Contains(t, err.Error(), "probabilities")
}
