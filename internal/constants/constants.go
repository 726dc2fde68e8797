package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20

	// DefaultRateLimitPerSecond is the default rate limit (requests per second)
	DefaultRateLimitPerSecond = 1000

	// DefaultRateLimitBurst is the default rate limit burst size
	DefaultRateLimitBurst = 2000
)

// API Paths
const (
	// DefaultWebSocketPath is the default activity stream path
	DefaultWebSocketPath = "/ws/activity"

	// DefaultWebhookPath is the default webhook delivery path
	DefaultWebhookPath = "/webhooks/alchemy"
)

// Activity Feed Constants
const (
	// DefaultActivityLimit is the number of activity events returned when no limit is given
	DefaultActivityLimit = 50

	// MaxActivityLimit caps the limit query parameter
	MaxActivityLimit = 500

	// MinPaginationLimit is the minimum pagination limit
	MinPaginationLimit = 1

	// DefaultMaxFeedEvents is the default number of events the feed retains
	DefaultMaxFeedEvents = 1000

	// DefaultSecondsPerBlock is the block interval used for display-time estimates
	DefaultSecondsPerBlock = 2.0
)

// Fetch Constants
const (
	// DefaultRPCTimeout is the default timeout of a node RPC call
	DefaultRPCTimeout = 30 * time.Second

	// DefaultExplorerTimeout is the default timeout of an explorer request
	DefaultExplorerTimeout = 10 * time.Second

	// DefaultExplorerRateLimit is the default explorer requests per second
	DefaultExplorerRateLimit = 5.0
)

// Storage Constants
const (
	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 64 // MB

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 500

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 16 // MB
)

// WebSocket Constants
const (
	// DefaultWSReadBufferSize is the default WebSocket read buffer size
	DefaultWSReadBufferSize = 1024

	// DefaultWSWriteBufferSize is the default WebSocket write buffer size
	DefaultWSWriteBufferSize = 1024

	// DefaultWSPingInterval is the default WebSocket ping interval
	DefaultWSPingInterval = 30 * time.Second

	// DefaultWSPongTimeout is the default WebSocket pong timeout
	DefaultWSPongTimeout = 60 * time.Second

	// DefaultWSWriteTimeout is the default WebSocket write timeout
	DefaultWSWriteTimeout = 10 * time.Second
)

// Size Constants
const (
	// BytesPerKB represents bytes in a kilobyte
	BytesPerKB = 1024

	// BytesPerMB represents bytes in a megabyte
	BytesPerMB = 1024 * BytesPerKB
)
