// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and turns.
//
// This package defines the core domain types shared by the transcript store,
// the exchange engine and the input controller.
//
// # Key Types
//
//   - ChatSession: one conversation with an ordered list of turns
//   - Turn: one message entry, authored by the user or the assistant
//   - PendingInput: composed text, queued attachments and the voice state
//   - Attachment: a file handle sent with the next submission
//
// # Usage
//
//	chat := model.NewChatSession("")
//	chat.Push(model.NewUserTurn("hello"), model.NewPlaceholderTurn())
//	last, _ := chat.LastTurn()
//	fmt.Println(last.Role) // assistant
package model
