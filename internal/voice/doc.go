// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voice relays recorded audio to the remote voice endpoint over a
// WebSocket and merges the text it answers with into the transcript.
//
// The wire contract is small: binary frames carry audio, a reserved text frame
// (default "__END__") ends the utterance, and every text frame coming back is
// a reply fragment. The server closing the channel ends the exchange.
package voice
