// Package edgecomm is the adaptive multi-protocol communication layer of an
// LPR edge device. This root package re-exports the main constructors of
// the sub-packages.
//
// # Overview
//
// The layer consists of several sub-packages:
//
//   - pkg/envelope: the transport-agnostic message envelope and its validator
//   - pkg/transport: socket, request and broker transports behind one contract
//   - pkg/health: per-transport health scores and the connectivity level
//   - pkg/selector: the connectivity policy and the protocol switch log
//   - pkg/dispatch: the send API and its fallback cascade
//   - pkg/monitor: the periodic reconcile of health, selection and queues
//   - pkg/service: the composition root that wires everything from a config
//
// # Sending a detection
//
//	cfg, err := edgecomm.LoadConfig("edge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := edgecomm.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop(context.Background())
//
//	_, err = svc.Submit(ctx, edgecomm.DataTypeDetection, &envelope.DetectionPayload{
//	    LicensePlate: "1กข 1234",
//	    Confidence:   0.93,
//	})
//
// Submit returns nil once some transport accepted the envelope. The broker
// accepts while offline by queueing; the queue is flushed in order by the
// monitor once the link is back.
//
// # Receiving configuration and control
//
// Messages pushed by the server arrive on one merged channel:
//
//	for msg := range svc.Inbound() {
//	    switch msg.Type {
//	    case transport.InboundConfigUpdate:
//	        applyConfig(msg.Payload)
//	    case transport.InboundControl:
//	        runCommand(msg.Payload)
//	    }
//	}
package edgecomm
