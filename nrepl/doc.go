// Package nrepl implements a client for the nREPL protocol: a bencode
// codec over TCP, sessions, and the request/response operations an editor
// or tool needs to evaluate code on a remote server.
//
// A Conn handles one request at a time and is not safe for concurrent use;
// package dispatch provides a goroutine-safe layer on top.
package nrepl
