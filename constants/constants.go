// Package constants vends constants used in various components of linkvault, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "LINKVAULT_VERBOSE"
	EnvLogPath = "LINKVAULT_LOG_PATH"
	// stores
	EnvStoreBackend             = "LINKVAULT_STORE_BACKEND"
	EnvRedisHost                = "REDIS_HOST"
	EnvRedisPort                = "REDIS_PORT"
	EnvRedisPasswd              = "REDIS_PASSWD"
	EnvRedisDB                  = "REDIS_DB"
	EnvSQLDialect               = "LINKVAULT_SQL_DIALECT"
	EnvSQLDSN                   = "LINKVAULT_SQL_DSN"
	EnvStoreTxMaxAttempts       = "LINKVAULT_STORE_TX_MAX_ATTEMPTS"
	EnvFileStoreRoot            = "LINKVAULT_FILE_STORE_ROOT"
	EnvStoreJunkFetcherPoolSize = "LINKVAULT_STORE_JUNK_FETCHER_POOL_SIZE"
	// server
	EnvAppHost            = "LINKVAULT_HOST"
	EnvAppPort            = "LINKVAULT_PORT"
	EnvPublicURL          = "LINKVAULT_PUBLIC_URL"
	EnvReqBodySizeMaxByte = "LINKVAULT_REQ_BODY_SIZE_MAX_BYTE"
	EnvFileSizeMaxByte    = "LINKVAULT_FILE_SIZE_MAX_BYTE"
	EnvTextSizeMaxByte    = "LINKVAULT_TEXT_SIZE_MAX_BYTE"
	EnvGoodForDefault     = "LINKVAULT_GOOD_FOR_DEFAULT"
	EnvGoodForMin         = "LINKVAULT_GOOD_FOR_MIN"
	EnvGoodForMax         = "LINKVAULT_GOOD_FOR_MAX"
	EnvBcryptCost         = "LINKVAULT_BCRYPT_COST"
	EnvJWTSecret          = "LINKVAULT_JWT_SECRET"
	EnvJWTTTL             = "LINKVAULT_JWT_TTL"
	EnvRateLimitPerMinute = "LINKVAULT_RATE_LIMIT_PER_MINUTE"
	EnvRateLimitBurst     = "LINKVAULT_RATE_LIMIT_BURST"
	EnvSweeperEnabled     = "LINKVAULT_SWEEPER_ENABLED"
	// sweeper
	EnvSweeperWIPCacheSize        = "LINKVAULT_SWEEPER_WIP_CACHE_SIZE"
	EnvSweeperSweepFreq           = "LINKVAULT_SWEEPER_SWEEP_FREQ"
	EnvSweeperMaxSweepLoad        = "LINKVAULT_SWEEPER_MAX_SWEEP_LOAD"
	EnvSweeperExecutorPoolSize    = "LINKVAULT_SWEEPER_EXEC_POOL_SIZE"
	EnvSweeperWIPCacheEntryExpiry = "LINKVAULT_SWEEPER_WIP_CACHE_ENTRY_EXPIRY"

	// -------------- store backends --------------
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
	StoreBackendSQL    = "sql"

	// -------------- http headers --------------
	HeaderContentPassword = "X-Content-Password"
	HeaderRequestID       = "X-Request-ID"

	// -------------- log fields --------------
	LogFieldFuncName  = "funcName"
	LogFieldContentID = "contentID"
	LogFieldRequestID = "requestID"
	LogFieldUserID    = "userID"
)
