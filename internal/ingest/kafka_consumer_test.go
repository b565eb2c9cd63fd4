package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
	drained  chan struct{}
	closed   bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	select {
	case f.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type update struct {
	id       string
	lat, lon float64
	ts       time.Time
}

type fakeApplier struct {
	mu      sync.Mutex
	updates []update
	err     error
}

func (f *fakeApplier) UpdateLocation(id string, lat, lon float64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := geo.Validate(lat, lon); err != nil {
		return err
	}
	f.updates = append(f.updates, update{id, lat, lon, ts})
	return nil
}

func runUntilDrained(t *testing.T, c *LocationConsumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	<-done
}

func TestConsumerAppliesValidEvents(t *testing.T) {
	r := &fakeReader{
		drained: make(chan struct{}, 1),
		messages: []kafka.Message{
			{Value: []byte(`{"driver_id":"d1","lat":10.5,"lon":-66.9,"timestamp":"2024-06-01T18:00:00Z"}`)},
			{Value: []byte(`not json`)},
			{Value: []byte(`{"lat":1,"lon":2,"timestamp":"2024-06-01T18:00:00Z"}`)},
			{Value: []byte(`{"driver_id":"d2","lat":1,"lon":2}`)},
			{Value: []byte(`{"driver_id":"d3","lat":91,"lon":2,"timestamp":"2024-06-01T18:00:00Z"}`)},
		},
	}
	a := &fakeApplier{}
	runUntilDrained(t, newLocationConsumer(r, a, nil), r)

	if len(a.updates) != 1 || a.updates[0].id != "d1" || a.updates[0].lat != 10.5 {
		t.Fatalf("expected only d1 applied, got %+v", a.updates)
	}
}

func TestConsumerBacksOffOnReadError(t *testing.T) {
	r := &fakeReader{
		drained: make(chan struct{}, 1),
		errs:    []error{errors.New("broker down")},
		messages: []kafka.Message{
			{Value: []byte(`{"driver_id":"d1","lat":1,"lon":2,"timestamp":"2024-06-01T18:00:00Z"}`)},
		},
	}
	a := &fakeApplier{}
	c := newLocationConsumer(r, a, nil)
	c.backoff = 5 * time.Millisecond
	runUntilDrained(t, c, r)
	if len(a.updates) != 1 {
		t.Fatalf("expected the event after the error to be applied, got %+v", a.updates)
	}
}

func TestUnknownDriverIsNotAnError(t *testing.T) {
	c := newLocationConsumer(&fakeReader{}, &fakeApplier{err: registry.ErrUnknownDriver}, nil)
	if err := c.handle([]byte(`{"driver_id":"ghost","lat":1,"lon":2,"timestamp":"2024-06-01T18:00:00Z"}`)); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestClose(t *testing.T) {
	r := &fakeReader{}
	c := newLocationConsumer(r, &fakeApplier{}, nil)
	_ = c.Close()
	if !r.closed {
		t.Fatal("reader not closed")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestProducerKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	ev := models.LocationEvent{DriverID: "d1", Lat: 1, Lon: 2, Timestamp: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
	if err := p.PublishLocation(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}

	// the consumer decodes what the producer writes
	a := &fakeApplier{}
	c := newLocationConsumer(&fakeReader{}, a, nil)
	if err := c.handle(w.msgs[0].Value); err != nil {
		t.Fatal(err)
	}
	if len(a.updates) != 1 || !a.updates[0].ts.Equal(ev.Timestamp) {
		t.Fatalf("round trip lost data: %+v", a.updates)
	}
}
