// Package main vends the linkvault server, which takes text and file uploads and hands out links to them
// that expire after a time window, a view quota or a single view.
package main

import (
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := serve(); err != nil {
		log.WithField("trace", err.Trace()).WithError(err).Fatal("Error start up server and serve requests")
	}
}
