package benchmarks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/popwandee/lprserver-v3-sub001/pkg/dispatch"
	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/selector"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// BenchmarkDispatch benchmarks the send path
func BenchmarkDispatch(b *testing.B) {
	b.Run("Current", func(b *testing.B) {
		benchmarkDispatchSend(b, false)
	})

	b.Run("Fallback", func(b *testing.B) {
		benchmarkDispatchSend(b, true)
	})

	b.Run("Concurrent/10", func(b *testing.B) {
		benchmarkDispatchConcurrent(b, 10)
	})

	b.Run("Concurrent/100", func(b *testing.B) {
		benchmarkDispatchConcurrent(b, 100)
	})
}

// BenchmarkEnvelope benchmarks building and the wire codec
func BenchmarkEnvelope(b *testing.B) {
	builder := envelope.NewBuilder()
	payload := &envelope.DetectionPayload{LicensePlate: "1กข 1234", Confidence: 0.93, CameraID: "cam-01"}

	b.Run("Build", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := builder.Build(envelope.DataTypeDetection, payload, "cam-01"); err != nil {
				b.Fatal(err)
			}
		}
	})

	env, err := builder.Build(envelope.DataTypeDetection, payload, "cam-01")
	if err != nil {
		b.Fatal(err)
	}
	data, err := envelope.Encode(env)
	if err != nil {
		b.Fatal(err)
	}

	b.Run("Encode", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := envelope.Encode(env); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("DecodeValidate", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			decoded, err := envelope.Decode(data)
			if err != nil {
				b.Fatal(err)
			}
			if err := envelope.Validate(decoded); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkOfflineQueue benchmarks push at capacity, where every push evicts
func BenchmarkOfflineQueue(b *testing.B) {
	for _, capacity := range []int{100, 1000} {
		b.Run(fmt.Sprintf("Push/%d", capacity), func(b *testing.B) {
			q := transport.NewOfflineQueue(capacity)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				q.Push(transport.QueueEntry{Topic: "lprserver/cameras/cam-01/detection", MessageID: fmt.Sprint(i)})
			}
		})
	}
}

// createTestDispatcher wires three connected stub transports
func createTestDispatcher(b *testing.B) (*dispatch.Dispatcher, *selector.Selector, map[health.Kind]*transport.StubTransport) {
	b.Helper()
	stubs := map[health.Kind]*transport.StubTransport{}
	var ts []transport.Transport
	for _, k := range transport.Kinds {
		s := transport.NewStubTransport(k)
		s.SetConnected(true)
		stubs[k] = s
		ts = append(ts, s)
	}
	assessor := health.NewAssessor(health.DefaultConfig(), transport.Kinds)
	sel := selector.New(transport.Kinds, selector.DefaultFallbackOrder)
	d, err := dispatch.New(dispatch.Config{DeviceID: "cam-01"}, ts, sel, assessor)
	if err != nil {
		b.Fatal(err)
	}
	return d, sel, stubs
}

func benchmarkDispatchSend(b *testing.B, failCurrent bool) {
	ctx := context.Background()
	d, sel, stubs := createTestDispatcher(b)
	env, err := envelope.NewBuilder().Build(envelope.DataTypeHealth,
		&envelope.HealthPayload{Status: envelope.HealthStatusHealthy}, "cam-01")
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if failCurrent {
			b.StopTimer()
			// Make the first attempt fail on whichever transport is current.
			for k, s := range stubs {
				if k == sel.Current() {
					s.SetSendError(errors.New("link down"))
				} else {
					s.SetSendError(nil)
				}
			}
			b.StartTimer()
		}
		if err := d.Send(ctx, env); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkDispatchConcurrent(b *testing.B, workers int) {
	ctx := context.Background()
	d, _, _ := createTestDispatcher(b)
	payload := &envelope.DetectionPayload{LicensePlate: "AB-1234", Confidence: 0.8}

	b.ResetTimer()
	b.ReportAllocs()

	var wg sync.WaitGroup
	per := b.N/workers + 1
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if _, err := d.Submit(ctx, envelope.DataTypeDetection, payload); err != nil {
					b.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
