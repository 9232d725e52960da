package server

import "time"

const (
	pingPeriod  = 15 * time.Second
	writeWait   = 5 * time.Second
	saveTimeout = 10 * time.Second
	bufSize     = 1024
	readLimit   = 1 << 20 // 1MB

	rateLimit = 50
	rateBurst = 100
)
