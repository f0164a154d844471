// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcript holds every open chat session and the turns inside it.
//
// The Store is the single source of truth for what the user sees. Two write
// primitives exist:
//
//   - Append adds one or more turns atomically
//   - ReplaceLast replaces the last turn if it matches a predicate, or
//     appends a new one, and is how streamed fragments are merged
//
// Reads return copies and always reflect the latest completed write. The
// store also tracks the chat list and which chat is active.
package transcript
