// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package exchange dispatches user submissions to the remote chat endpoint and
// merges the streamed reply into the transcript.
//
// # Lifecycle
//
// Engine.Open appends the user turn and an empty assistant placeholder, then
// reads the reply in a background goroutine. After every fragment the whole
// reply so far is written into the placeholder with transcript.Store.ReplaceLast.
//
//	sess, err := engine.Open(ctx, exchange.Request{ChatID: id, Text: "hello"})
//	if err != nil {
//	    return err
//	}
//	<-sess.Done()
//
// # Failures
//
// A request that cannot be established, a non-2xx status, a broken stream or
// an expired exchange timeout all end as a *TransportError. The placeholder
// text is then overwritten with a fixed error message. Cancelling the context
// passed to Open tears the exchange down and keeps whatever text arrived.
//
// At most one exchange per chat is open at a time. The Registry enforcing
// this is shared with the voice bridge.
package exchange
