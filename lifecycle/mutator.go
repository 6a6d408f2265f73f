// Package lifecycle performs the state changes of content: creation, counted access and owner deletion.
package lifecycle

import (
	"context"
	"time"

	"wuyrush.io/linkvault/common/logging"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

// Mutator commits accesses and deletions of content. Each operation is a single atomic store update, so
// concurrent callers can never push a record past its view quota.
type Mutator struct {
	Store st.ContentStore
	Now   func() time.Time
}

func NewMutator(store st.ContentStore) *Mutator {
	return &Mutator{Store: store, Now: time.Now}
}

// RecordAccess counts one view of the content of given id and returns the content after the view. The
// access rules are checked again within the update, since the state may have changed after the gate
// granted the access; a rule violation is returned as-is and nothing is written.
func (m *Mutator) RecordAccess(ctx context.Context, id string) (*md.Content, *se.Err) {
	c, err := m.Store.Update(ctx, id, func(c *md.Content) *se.Err {
		// content retired by its last view reports the used-up quota rather than absence, so that the
		// losers of a race for the last view learn why
		if err := c.QuotaErr(); err != nil {
			return err
		}
		if err := c.CheckAccess(m.Now()); err != nil {
			return err
		}
		c.View()
		return nil
	})
	if err != nil {
		if !err.Denied() {
			logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id).
				WithError(err).Error("error recording content access")
		}
		return nil, err
	}
	return c, nil
}

// MarkDeleted tombstones the content of given id on behalf of its owner. Requests from anyone but the
// owner are Forbidden, including those on ownerless content. Deleting deleted content is a no-op.
func (m *Mutator) MarkDeleted(ctx context.Context, id, requesterID string) *se.Err {
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithFields(map[string]interface{}{
		cst.LogFieldContentID: id,
		cst.LogFieldUserID:    requesterID,
	})
	_, err := m.Store.Update(ctx, id, func(c *md.Content) *se.Err {
		if !c.OwnedBy(requesterID) {
			return se.NewForbidden("only the owner can delete content")
		}
		c.Deleted = true
		return nil
	})
	if err != nil {
		if !err.Denied() {
			clog.WithError(err).Error("error deleting content")
		}
		return err
	}
	clog.Info("content deleted by owner")
	return nil
}
