/*
Package client is the Go client for the RingForge session plane.

Dial opens the websocket, completes the auth challenge, and starts a
read loop that matches replies to in-flight requests by ref.
Server-initiated envelopes (presence changes, activities, memory
changes, direct messages, system notices) arrive on Events().

# Usage

	c, err := client.Dial(ctx, client.Options{
		URL:          "ws://localhost:7420/ws",
		APIKey:       os.Getenv("RINGFORGE_KEY"),
		Name:         "translator-7",
		Capabilities: []string{"translate"},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		for env := range c.Events() {
			handle(env)
		}
	}()

	err = c.UpdatePresence(ctx, types.PresenceBusy, "translating", 0.4)
	entry, err := c.MemorySet(ctx, protocol.MemorySetRequest{Key: "goal", Value: "v1"})
	task, err := c.SubmitTask(ctx, protocol.TaskSubmitRequest{Requires: []string{"summarize"}})

	n, err := c.Replay(ctx, protocol.ReplayRequest{Kinds: []string{"activity"}},
		func(item *protocol.Envelope) error { return handleItem(item) })

Heartbeats run automatically at the interval the server announces in
auth_ok. Do is the escape hatch for operations without a typed helper.
*/
package client
