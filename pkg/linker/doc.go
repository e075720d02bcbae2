// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package linker links a user's external messaging accounts by driving the
// login conversation with a platform's bridge bot over Matrix.
//
// A connect request runs as a [Session] owned by the [Orchestrator]. Each
// attempt of a session:
//
//  1. records INITIALIZING and has the [Provisioner] create a private control
//     room with the bridge bot, waiting for the bot to join;
//  2. starts an [Interpreter] on that room and the response timer;
//  3. has the [Dispatcher] send the platform's login command;
//  4. waits for the interpreter's signals: a QR frame records WAITING_FOR_QR
//     and publishes the payload, success records CONNECTED and writes the
//     account, failure records ERROR.
//
// Response timeouts are retried up to the platform's MaxRetries with a fresh
// room, recording DISCONNECTED in between. Every other failure is final.
//
// # Concurrency
//
// Each session runs on its own goroutine, which is the only writer of its
// state. Interpreters are called from the transport's sync goroutine and only
// hand signals to the session; each signal carries its attempt number so
// replies that arrive after an attempt was abandoned are dropped.
//
// A second request for the same user and platform supersedes the live
// session: the old one is cancelled and fully torn down before the new one
// records its first state, and its caller receives [ErrSuperseded].
package linker
