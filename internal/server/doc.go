// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides a development back end for the ragchat client.
//
// It speaks the same wire contract as the production chat service so the
// client can be run end to end without it.
//
// # Endpoints
//
//   - POST /chat   - multipart form (chat_id, message, files...); the reply is
//     a text/plain body flushed after every ". ! ?" or space
//   - GET  /voice  - WebSocket (?chat_id=...); binary audio frames until the
//     "__END__" text frame, answered with text frames and a normal close
//   - GET  /health - Health check
//
// Replies come from a Responder: EchoResponder by default, or OpenAIResponder
// when OPENAI_API_KEY is set. The last few exchanges of each chat are passed
// back to the responder as context.
//
// # Usage
//
//	srv := server.New(&server.Config{
//		Addr:      "127.0.0.1:8000",
//		Responder: server.NewResponderFromEnv("gpt-4o-mini"),
//	})
//	if err := srv.ListenAndServe(); err != nil {
//		log.Fatal(err)
//	}
package server
