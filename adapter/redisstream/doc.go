// Package redisstream provides a Redis Streams dead-letter sink for xevent.
//
// Every failed asynchronous post-commit listener run is appended to a
// stream with XADD; List reads the newest entries back with XREVRANGE.
// The stream is failure accounting for operators, not event persistence:
// bundles are not stored, only their identity and event names.
//
// Sink name: "redis-streams"
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream: stream key (default "xevent:deadletter")
// - max_len_approx: approximate MAXLEN trimming (default 100000, 0 disables)
// - codec: codec for the record field (default "json")
// - write_timeout: per-XADD timeout (default 2s)
// - tls, tls_server_name, username, password, db, pool_size
//
// Example builder usage:
//
//	svc, _ := xevent.NewServiceBuilder().
//	    WithDeadLetter(redisstream.SinkName, map[string]any{
//	        "addr":   "localhost:6379",
//	        "stream": "orders:deadletter",
//	    }).
//	    Build()
package redisstream
