// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the ragchat command line.
//
// # Commands
//
//   - chat   - interactive REPL over a workspace (the default)
//   - ask    - send one message and print the streamed reply
//   - serve  - run the development back end
//   - config - show, get or set configuration values
//
// The chat REPL reads with a line editor when attached to a terminal and
// plainly from stdin otherwise, so it can be scripted:
//
//	printf 'hello\n/quit\n' | ragchat chat
//
// Replies are printed as they stream in. Ctrl+C cancels the reply in
// progress and Ctrl+D exits.
package cli
