/*
Package messaging delivers point-to-point direct messages between
agents of the same fleet.

Delivery is at-most-once. An online recipient gets the payload
immediately over the bus; an offline recipient gets a bounded FIFO
queue drained on the next connect. The fleet log records that a DM
happened (sender, recipient, correlation id) but never the payload.

# Queueing

Each recipient has one queue capped at the configured limit. A full
queue drops the new message immediately and the sender learns the
dropped state in the send reply. Queued messages expire after the
TTL; the sweeper then notifies the sender once per expiry batch with
a system notice.

# Usage

	svc := messaging.NewService(elog, router, presence, queueLimit, queueTTL)
	svc.Start()
	defer svc.Stop()

	msg, err := svc.Send("t1", "f1", senderID, &protocol.DirectSendRequest{
		To:      recipientID,
		Payload: map[string]any{"text": "ready when you are"},
	})
	// msg.State: delivered | queued | dropped

	queued := svc.Drain("t1", "f1", recipientID) // on reconnect, FIFO

# See Also

  - pkg/bus for the live delivery path
  - pkg/gateway for the reconnect drain
*/
package messaging
