package redisstream

// Stream entry fields
const (
	fieldID       = "id"
	fieldListener = "listener"
	fieldBundle   = "bundle"
	fieldTx       = "tx"
	fieldError    = "error"
	fieldFailedAt = "failedAt" // int64 ms
	fieldCodec    = "codec"
	fieldRecord   = "record" // codec-encoded xevent.FailureRecord
)
