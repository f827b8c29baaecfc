// Package realtime is a client for a realtime publish/subscribe server.
//
// A Client keeps one websocket connection open, reconnecting with
// backoff after failures and re-announcing every subscribed channel on
// each connect. Inbound frames are dispatched to channel handlers in
// registration order; a failing handler never affects the others.
// Presence membership is managed through the server's REST API.
//
//	c, err := realtime.New(realtime.Config{URL: "wss://rt.example.com/ws", Token: token})
//	if err != nil { ... }
//	c.Subscribe("orders", func(f realtime.Frame) error {
//		fmt.Println(string(f.Data))
//		return nil
//	}, nil)
//	c.Connect(ctx)
//	defer c.Disconnect()
package realtime
