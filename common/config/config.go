// Package config registers default values of linkvault configuration. Values are read from env vars with
// viper, see constants for the var names.
package config

import (
	"time"

	"github.com/spf13/viper"
	cst "wuyrush.io/linkvault/constants"
)

const (
	mebibyte = 1 << 20
)

// SetDefaults enables env var lookup and registers defaults on v
func SetDefaults(v *viper.Viper) {
	v.AutomaticEnv()
	// stores
	v.SetDefault(cst.EnvStoreBackend, cst.StoreBackendMemory)
	v.SetDefault(cst.EnvRedisHost, "localhost")
	v.SetDefault(cst.EnvRedisPort, "6379")
	v.SetDefault(cst.EnvRedisDB, 0)
	v.SetDefault(cst.EnvSQLDialect, "sqlite")
	v.SetDefault(cst.EnvSQLDSN, "linkvault.db")
	v.SetDefault(cst.EnvStoreTxMaxAttempts, 10)
	v.SetDefault(cst.EnvFileStoreRoot, "uploads")
	v.SetDefault(cst.EnvStoreJunkFetcherPoolSize, 8)
	// server
	v.SetDefault(cst.EnvAppHost, "0.0.0.0")
	v.SetDefault(cst.EnvAppPort, "8080")
	v.SetDefault(cst.EnvPublicURL, "http://localhost:8080")
	v.SetDefault(cst.EnvFileSizeMaxByte, 50*mebibyte)
	// leave room for multipart framing and form fields besides the file itself
	v.SetDefault(cst.EnvReqBodySizeMaxByte, 51*mebibyte)
	v.SetDefault(cst.EnvTextSizeMaxByte, mebibyte)
	v.SetDefault(cst.EnvGoodForDefault, 10*time.Minute)
	v.SetDefault(cst.EnvGoodForMin, time.Minute)
	v.SetDefault(cst.EnvGoodForMax, 7*24*time.Hour)
	v.SetDefault(cst.EnvBcryptCost, 10)
	v.SetDefault(cst.EnvJWTTTL, 24*time.Hour)
	v.SetDefault(cst.EnvRateLimitPerMinute, 120)
	v.SetDefault(cst.EnvRateLimitBurst, 20)
	v.SetDefault(cst.EnvSweeperEnabled, true)
	// sweeper
	v.SetDefault(cst.EnvSweeperWIPCacheSize, 1024)
	v.SetDefault(cst.EnvSweeperSweepFreq, 5*time.Minute)
	v.SetDefault(cst.EnvSweeperMaxSweepLoad, 512)
	v.SetDefault(cst.EnvSweeperExecutorPoolSize, 8)
	v.SetDefault(cst.EnvSweeperWIPCacheEntryExpiry, 10*time.Minute)
}
