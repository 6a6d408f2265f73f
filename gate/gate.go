// Package gate decides whether a read or download of content may proceed.
package gate

import (
	"context"
	"time"

	"wuyrush.io/linkvault/common/logging"
	"wuyrush.io/linkvault/common/metrics"
	"wuyrush.io/linkvault/common/secret"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

// Gate evaluates access requests against the current state of content. It never mutates content; a
// grant is advisory and the access is committed by lifecycle.Mutator.
type Gate struct {
	Store  st.ContentStore
	Hasher secret.Hasher
	Now    func() time.Time
}

func New(store st.ContentStore, hasher secret.Hasher) *Gate {
	return &Gate{Store: store, Hasher: hasher, Now: time.Now}
}

// Evaluate returns the content of given id if it may be accessed with password, which is empty if the
// requester supplied none. Checks short-circuit in order: existence, expiry, view quota, password.
func (g *Gate) Evaluate(ctx context.Context, id, password string) (*md.Content, *se.Err) {
	c, err := g.evaluate(ctx, id, password)
	outcome := metrics.OutcomeGranted
	if err != nil {
		outcome = string(err.Code)
	}
	metrics.AccessTotal.WithLabelValues(outcome).Inc()
	return c, err
}

func (g *Gate) evaluate(ctx context.Context, id, password string) (*md.Content, *se.Err) {
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id)
	c, err := g.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.CheckAccess(g.Now()); err != nil {
		clog.WithField("reason", err.Code).Debug("access denied")
		return nil, err
	}
	if c.Protected() {
		if password == "" {
			return nil, se.NewPasswordRequired()
		}
		ok, err := g.Hasher.Verify(c.PasswordHash, password)
		if err != nil {
			clog.WithError(err).Error("error verifying password")
			return nil, err
		}
		if !ok {
			return nil, se.NewPasswordInvalid()
		}
	}
	return c, nil
}
