package stores

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"
	"wuyrush.io/linkvault/common/logging"
	rt "wuyrush.io/linkvault/common/retry"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
)

// NOTE docker compose's depends_on feature only guarantee the startup order of *service containers*,
// instead of the services themselves - It is us who define when the services are ready
func depRetryOpts() []rt.RetryOption {
	return []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
}

// SetupContentStore initializes the ContentStore backend chosen by configuration
func SetupContentStore() (ContentStore, *se.Err) {
	backend := viper.GetString(cst.EnvStoreBackend)
	logging.WithFuncName().WithField("backend", backend).Info("setting up content store")
	switch backend {
	case cst.StoreBackendMemory:
		return NewMemoryStore(), nil
	case cst.StoreBackendRedis:
		s, err := setupRedisStore()
		if err != nil {
			return nil, err
		}
		return s, nil
	case cst.StoreBackendSQL:
		var s *SQLStore
		var serr *se.Err
		openFn := func() error {
			s, serr = OpenSQLStore(
				viper.GetString(cst.EnvSQLDialect),
				viper.GetString(cst.EnvSQLDSN),
				viper.GetInt64(cst.EnvStoreTxMaxAttempts),
			)
			if serr != nil {
				return serr
			}
			return nil
		}
		if err := rt.Retry(openFn, depRetryOpts()...); err != nil {
			return nil, se.NewServiceFailure("failed initializing database").WithCause(err)
		}
		return s, nil
	default:
		return nil, se.NewBadInput(fmt.Sprintf("unknown store backend %q", backend))
	}
}

func setupRedisStore() (*RedisStore, *se.Err) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", viper.GetString(cst.EnvRedisHost), viper.GetString(cst.EnvRedisPort)),
		Password:   viper.GetString(cst.EnvRedisPasswd),
		DB:         viper.GetInt(cst.EnvRedisDB),
		MaxRetries: 3,
	})
	// verify the client is up correctly
	pingFn := func() error {
		_, err := redisClient.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, depRetryOpts()...); err != nil {
		return nil, se.NewServiceFailure("failed initializing Redis").WithCause(err)
	}
	return &RedisStore{
		DB:                  redisClient,
		TxMaxAttempts:       viper.GetInt64(cst.EnvStoreTxMaxAttempts),
		JunkFetcherPoolSize: viper.GetInt(cst.EnvStoreJunkFetcherPoolSize),
	}, nil
}

// SetupFileStore initializes the FileStore rooted at configured directory
func SetupFileStore() (FileStore, *se.Err) {
	return &LocalFileStore{Root: viper.GetString(cst.EnvFileStoreRoot)}, nil
}
