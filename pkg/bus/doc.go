/*
Package bus provides the in-memory fan-out router for live events.

The bus carries already-persisted events from publishers to the fleet's
live sessions. It knows nothing about durability; pkg/eventlog owns
that. Publish is synchronous so each publisher's events arrive at every
subscriber in publish order.

# Scopes

An event's scope decides who receives it:

	fleet    every subscriber in the fleet (default)
	tagged   subscribers sharing at least one scope tag
	direct   exactly one agent id

Tag sets are session-lived: SetTags replaces a subscription's
subtopics and nothing is persisted.

# Slow Subscribers

Subscriber channels are buffered. A full buffer drops the event for
that subscriber only and counts the drop; the publisher never blocks
and other subscribers are unaffected. Clients that observe a gap
recover with a replay.

# Usage

	router := bus.NewRouter()

	sub := router.Subscribe("t1", "f1", agentID, 256)
	defer router.Unsubscribe("t1", "f1", sub)

	go func() {
		for ev := range sub.C {
			handle(ev)
		}
	}()

	router.Publish(event) // after the log append succeeded

# See Also

  - pkg/eventlog for the durability half of the contract
  - pkg/gateway for the session pump draining subscriptions
*/
package bus
