// Package qipc implements the client side of the kdb+ IPC protocol:
// dialing with the credentials handshake, synchronous evaluation, and the
// value codec (atoms, vectors, dictionaries, tables, temporal types on the
// 2000-01-01 epoch, and inbound block decompression).
//
// The package speaks wire bytes only; policy such as connect retries and
// temporal coercion to host types lives in the root package.
package qipc
