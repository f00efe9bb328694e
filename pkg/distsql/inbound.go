// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/util/log"
)

// InboundStreamConn is the consumer-side handle of an inbound stream: the
// transport layer delivers producer messages through Recv and sends consumer
// signals back through Send.
type InboundStreamConn interface {
	Send(*distsqlpb.ConsumerSignal) error
	Recv() (*distsqlpb.ProducerMessage, error)
}

// ProcessInboundStream receives rows from an inbound stream connection and
// sends them to a RowReceiver. Optionally processes an initial message for
// the stream (the first message is often stripped off the stream by the
// server in order to route it to the correct receiver).
//
// All the errors returned by this function are also pushed to dst, and dst
// is always closed with ProducerDone before returning.
func ProcessInboundStream(
	ctx context.Context,
	stream InboundStreamConn,
	firstMsg *distsqlpb.ProducerMessage,
	dst RowReceiver,
	flowID distsqlpb.FlowID,
) error {
	err := processInboundStreamHelper(ctx, stream, firstMsg, dst)
	if err != nil {
		log.VEventf(ctx, 1, "inbound stream error (flow %s): %s", flowID, err)
		dst.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err})
	}
	dst.ProducerDone()
	if log.V(2) {
		log.Infof(ctx, "inbound stream done (flow %s)", flowID)
	}
	return err
}

func processInboundStreamHelper(
	ctx context.Context,
	stream InboundStreamConn,
	firstMsg *distsqlpb.ProducerMessage,
	dst RowReceiver,
) error {
	draining := false
	var sd StreamDecoder

	sendDrainSignal := func() error {
		log.VEventf(ctx, 1, "sending drain signal to producer")
		return stream.Send(&distsqlpb.ConsumerSignal{DrainRequest: &distsqlpb.DrainRequest{}})
	}

	for {
		var msg *distsqlpb.ProducerMessage
		if firstMsg != nil {
			msg = firstMsg
			firstMsg = nil
		} else {
			var err error
			msg, err = stream.Recv()
			if err != nil {
				if err == io.EOF {
					// Communication is done; the producer has pushed
					// everything and closed its end of the stream.
					return nil
				}
				return err
			}
		}

		if err := sd.AddMessage(msg); err != nil {
			return errors.Wrap(err, "decoding error")
		}
		for {
			row, meta, err := sd.GetRow(nil /* rowBuf */)
			if err != nil {
				return errors.Wrap(err, "decoding error")
			}
			if row == nil && meta.Empty() {
				// No more rows in the last message.
				break
			}
			if row != nil && draining {
				// Rows are dropped while draining; only metadata is
				// forwarded.
				continue
			}
			var metaPtr *distsqlpb.ProducerMetadata
			if meta.Empty() {
				metaPtr = nil
			} else {
				m := meta
				metaPtr = &m
				row = nil
			}
			switch dst.Push(row, metaPtr) {
			case NeedMoreRows:
			case DrainRequested:
				if !draining {
					draining = true
					if err := sendDrainSignal(); err != nil {
						// Failing to send the drain signal means the stream
						// is broken; the Recv above will notice shortly.
						log.Warningf(ctx, "draining signal failed: %s", err)
					}
				}
			case ConsumerClosed:
				return errors.New("consumer stopped accepting rows and metadata")
			}
		}
	}
}
