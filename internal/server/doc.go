// Package server implements the WebSocket chat gateway.
//
// A single Hub goroutine owns every connection, the user registry and all
// private rooms. Read pumps decode frames and hand them to the hub one at a
// time; write pumps drain per-connection send buffers. Work that blocks,
// such as persisting a message or updating the presence cache, runs on other
// goroutines and posts its result back to the hub.
//
// The implementation is organized into files for configuration, the hub,
// clients, the registry, rooms, message routing, and HTTP handlers.
package server
