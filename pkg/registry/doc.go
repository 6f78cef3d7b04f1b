// Package registry keeps the directory of live connections, keyed by the
// transport-assigned id.
//
// All methods are safe for concurrent use. Connect and disconnect events
// from the transport may race with broadcasts; Broadcast iterates over a
// snapshot and calls back without holding the registry lock, so a callback
// may see a connection that was removed after the snapshot was taken. Such
// a connection is disposed and reports connection.ErrDisposed on use.
package registry
