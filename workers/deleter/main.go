// Package deleter vends a long-running worker to reclaim expired and tombstoned content shared with
// linkvault servers through a Redis or SQL ContentStore.
package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/linkvault/common/config"
	"wuyrush.io/linkvault/common/logging"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	st "wuyrush.io/linkvault/stores"
	"wuyrush.io/linkvault/workers/sweeper"
)

func main() {
	if err := runDeleter(); err != nil {
		log.WithField("trace", err.Trace()).WithError(err).Fatal("error running deleter")
	}
}

func runDeleter() *se.Err {
	config.SetDefaults(viper.GetViper())
	logging.SetupLog("LinkVaultDeleter")
	// setup dependencies
	clog := logging.WithFuncName()
	if viper.GetString(cst.EnvStoreBackend) == cst.StoreBackendMemory {
		// the in-memory store is private to a server process; there is nothing for a standalone worker to sweep
		return se.NewBadInput("deleter requires a shared store backend, got memory")
	}
	cs, err := st.SetupContentStore()
	if err != nil {
		clog.WithError(err).Error("error setting up ContentStore")
		return err
	}
	defer cs.Close()
	fs, err := st.SetupFileStore()
	if err != nil {
		clog.WithError(err).Error("error setting up FileStore")
		return err
	}
	defer fs.Close()
	sw, err := sweeper.New(cs, fs, sweeper.ConfigFromEnv())
	if err != nil {
		clog.WithError(err).Error("error setting up sweeper")
		return err
	}
	// ensure the worker can be responsive to system signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return sw.Run(ctx)
}
