// Package websocket implements a WebSocket client on top of the sockets and
// sessions of the http package.
//
// An open connection runs three goroutines: a reader that reassembles
// fragmented messages and answers pings, a dispatcher that hands messages to
// the caller's Handler, and a writer that masks and sends outbound frames.
// The caller talks to them only through Connection.
//
// # Usage
//
//	conn, err := websocket.New(uri, holder).
//	    AddCookie("session", token).
//	    Open(ctx, websocket.HandlerFunc(func(e *websocket.Event) {
//	        e.Store("reply", string(e.Data()))
//	        e.Complete("reply")
//	    }))
//	if err != nil {
//	    return err
//	}
//	if err := conn.SendText("hello"); err != nil {
//	    return err
//	}
//	if err := conn.Await(ctx, "reply"); err != nil {
//	    return err
//	}
//	result, err := conn.Close()
//
// The first transport error seen by the reader or writer closes the
// connection and is returned by the next call on Connection.
package websocket
