package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/linkvault/common/auth"
	"wuyrush.io/linkvault/common/config"
	"wuyrush.io/linkvault/common/logging"
	"wuyrush.io/linkvault/common/secret"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	"wuyrush.io/linkvault/gate"
	"wuyrush.io/linkvault/lifecycle"
	st "wuyrush.io/linkvault/stores"
	"wuyrush.io/linkvault/workers/sweeper"
)

const (
	shutdownTimeout      = 10 * time.Second
	readHeaderTimeout    = 10 * time.Second
	rateLimiterCacheSize = 4096
)

type serverConfig struct {
	// PublicURL is the base url links handed out to uploaders are built on
	PublicURL          string
	ReqBodySizeMax     int64
	RateLimitPerMinute int
	RateLimitBurst     int
}

func serverConfigFromEnv() serverConfig {
	return serverConfig{
		PublicURL:          viper.GetString(cst.EnvPublicURL),
		ReqBodySizeMax:     viper.GetInt64(cst.EnvReqBodySizeMaxByte),
		RateLimitPerMinute: viper.GetInt(cst.EnvRateLimitPerMinute),
		RateLimitBurst:     viper.GetInt(cst.EnvRateLimitBurst),
	}
}

func limitsFromEnv() lifecycle.Limits {
	return lifecycle.Limits{
		GoodForDefault: viper.GetDuration(cst.EnvGoodForDefault),
		GoodForMin:     viper.GetDuration(cst.EnvGoodForMin),
		GoodForMax:     viper.GetDuration(cst.EnvGoodForMax),
		FileSizeMax:    viper.GetInt64(cst.EnvFileSizeMaxByte),
		TextSizeMax:    viper.GetInt(cst.EnvTextSizeMaxByte),
	}
}

// linkVaultServer serves the JSON API of linkvault
type linkVaultServer struct {
	Store   st.ContentStore
	Files   st.FileStore
	Gate    *gate.Gate
	Mutator *lifecycle.Mutator
	Intake  *lifecycle.Intake
	Auth    *auth.Issuer
	Router  *httprouter.Router
	cfg     serverConfig
}

func newLinkVaultServer(
	store st.ContentStore,
	files st.FileStore,
	hasher secret.Hasher,
	issuer *auth.Issuer,
	limits lifecycle.Limits,
	cfg serverConfig,
) *linkVaultServer {
	s := &linkVaultServer{
		Store:   store,
		Files:   files,
		Gate:    gate.New(store, hasher),
		Mutator: lifecycle.NewMutator(store),
		Intake:  lifecycle.NewIntake(store, files, hasher, limits),
		Auth:    issuer,
		cfg:     cfg,
	}
	s.SetupMux()
	return s
}

func (s *linkVaultServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// start up application server and serve incoming requests until SIGTERM or SIGINT
func serve() *se.Err {
	// read configuration from env vars
	config.SetDefaults(viper.GetViper())
	logging.SetupLog("LinkVaultServer")
	clog := logging.WithFuncName()
	// initialize dependencies in data layer
	// NOTE docker compose's depends_on feature only guarantee the startup order of *service containers*,
	// instead of the services themselves - It is us who define when the services are ready
	cs, err := st.SetupContentStore()
	if err != nil {
		return err
	}
	defer cs.Close()
	fs, err := st.SetupFileStore()
	if err != nil {
		return err
	}
	defer fs.Close()

	jwtSecret := viper.GetString(cst.EnvJWTSecret)
	if jwtSecret == "" {
		clog.Warnf("%s is not set; using a random secret, tokens will not survive restarts", cst.EnvJWTSecret)
		jwtSecret = uuid.NewString()
	}
	svr := newLinkVaultServer(
		cs, fs,
		secret.NewBcryptHasher(viper.GetInt(cst.EnvBcryptCost)),
		auth.NewIssuer(jwtSecret, viper.GetDuration(cst.EnvJWTTTL)),
		limitsFromEnv(),
		serverConfigFromEnv(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	sweeperDone := make(chan struct{})
	if viper.GetBool(cst.EnvSweeperEnabled) {
		sw, err := sweeper.New(cs, fs, sweeper.ConfigFromEnv())
		if err != nil {
			return err
		}
		go func() {
			defer close(sweeperDone)
			if err := sw.Run(ctx); err != nil {
				clog.WithError(err).Error("error running in-process sweeper")
			}
		}()
	} else {
		close(sweeperDone)
	}

	host, port := viper.GetString(cst.EnvAppHost), viper.GetString(cst.EnvAppPort)
	httpSvr := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", host, port),
		Handler:           svr,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSvr.ListenAndServe()
	}()
	clog.WithFields(log.Fields{
		"host":    host,
		"port":    port,
		"backend": viper.GetString(cst.EnvStoreBackend),
	}).Info("linkvault server is starting up")

	var result *se.Err
	select {
	case err := <-serveErr:
		stop()
		result = se.NewServiceFailure("error serving requests").WithCause(err)
	case <-ctx.Done():
		clog.Info("linkvault server is shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSvr.Shutdown(shutdownCtx); err != nil {
			result = se.NewServiceFailure("error shutting down server").WithCause(err)
		}
	}
	<-sweeperDone
	return result
}
