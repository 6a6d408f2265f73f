package stores

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/samber/lo"
	"wuyrush.io/linkvault/common/logging"
	rt "wuyrush.io/linkvault/common/retry"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
)

// RedisStore is a ContentStore implementation driven by Redis. Updates run as optimistic transactions
// (WATCH/MULTI/EXEC) on the record's key and are retried on conflict.
type RedisStore struct {
	DB *redis.Client
	// TxMaxAttempts caps the retries of a conflicting transaction
	TxMaxAttempts int64
	// JunkFetcherPoolSize caps the number of concurrent fetches when assembling junk
	JunkFetcherPoolSize int
}

const (
	fieldNameKind         = "kind"
	fieldNameText         = "text"
	fieldNameFileRef      = "fileRef"
	fieldNameFileName     = "fileName"
	fieldNameFileSize     = "fileSize"
	fieldNameMIMEType     = "mimeType"
	fieldNameCreationTime = "creationTime"
	fieldNameExpiry       = "expiry"
	fieldNameViewCount    = "viewCount"
	fieldNameMaxViews     = "maxViews"
	fieldNameReadAndBurn  = "readAndBurn"
	fieldNamePasswordHash = "passwordHash"
	fieldNameDeleted      = "deleted"
	fieldNameOwnerID      = "ownerId"

	// redis key of the sorted set whose score is content expiry in unix milliseconds
	keyContentExpirySet = "contentExpirySet"
	// redis key of the set holding ids of tombstoned content
	keyContentTombstones = "contentTombstones"
	// template to form the key of content hash
	keyTmplContent = "content:%s"
	// template to form the key of the sorted set indexing an owner's content by creation time
	keyTmplOwner = "owner:%s"
)

func contentKey(id string) string {
	return fmt.Sprintf(keyTmplContent, id)
}

func ownerKey(ownerID string) string {
	return fmt.Sprintf(keyTmplOwner, ownerID)
}

func isTxFailed(e error) bool {
	return e == redis.TxFailedErr
}

// errRedisTxAborted carries a mutation's rejection out of a redis transaction
type errRedisTxAborted struct {
	*se.Err
}

func (s *RedisStore) txRetryOpts() []rt.RetryOption {
	return []rt.RetryOption{
		rt.WithMaxAttempts(s.TxMaxAttempts),
		rt.WithBaseDelay(time.Millisecond),
		rt.WithExp(2.0),
		rt.WithJitter(0.5),
		rt.WithMaxBackoff(100 * time.Millisecond),
		rt.WithRetryOn(isTxFailed),
	}
}

func (s *RedisStore) Put(ctx context.Context, c *md.Content) *se.Err {
	if err := c.Validate(); err != nil {
		return err
	}
	const errMsg = "error saving content"
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, c.ID)
	key := contentKey(c.ID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errRedisTxAborted{se.NewDuplicateID(fmt.Sprintf("content %s already exists", c.ID))}
		}
		_, err = tx.Pipelined(func(p redis.Pipeliner) error {
			// hacks redis keys so that the payload variant can be stored in a flat map
			p.HMSet(key, encodeContent(c))
			p.ZAdd(keyContentExpirySet, redis.Z{Score: float64(unixMillis(c.Expiry)), Member: c.ID})
			if c.OwnerID != "" {
				p.ZAdd(ownerKey(c.OwnerID), redis.Z{Score: float64(c.CreationTime.UnixNano()), Member: c.ID})
			}
			return nil
		})
		return err
	}
	err := rt.Retry(func() error { return s.DB.Watch(txf, key) }, s.txRetryOpts()...)
	if err != nil {
		if aborted, ok := err.(errRedisTxAborted); ok {
			return aborted.Err
		}
		clog.WithError(err).Error("error calling redis to save content")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*md.Content, *se.Err) {
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id)
	m, err := s.DB.HGetAll(contentKey(id)).Result()
	if err != nil {
		msg := "error getting content data"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	// the API returns an empty map if the key is absent
	if len(m) == 0 {
		return nil, se.NewNotFound(fmt.Sprintf("content %s not found", id))
	}
	c, derr := decodeContent(id, m)
	if derr != nil {
		clog.WithError(derr).Error("error decoding content data")
		return nil, derr
	}
	return c, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn Mutation) (*md.Content, *se.Err) {
	const errMsg = "error updating content"
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id)
	key := contentKey(id)
	var result *md.Content
	txf := func(tx *redis.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := tx.HGetAll(key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return errRedisTxAborted{se.NewNotFound(fmt.Sprintf("content %s not found", id))}
		}
		orig, derr := decodeContent(id, m)
		if derr != nil {
			return errRedisTxAborted{derr}
		}
		mutated, changed, merr := mutate(orig, fn)
		if merr != nil {
			return errRedisTxAborted{merr}
		}
		if !changed {
			result = mutated
			return nil
		}
		_, err = tx.Pipelined(func(p redis.Pipeliner) error {
			p.HMSet(key, map[string]interface{}{
				fieldNameViewCount: mutated.ViewCount,
				fieldNameDeleted:   mutated.Deleted,
			})
			if mutated.Deleted && !orig.Deleted {
				p.SAdd(keyContentTombstones, id)
				if mutated.OwnerID != "" {
					p.ZRem(ownerKey(mutated.OwnerID), id)
				}
			}
			return nil
		})
		if err == nil {
			result = mutated
		}
		return err
	}
	err := rt.Retry(func() error { return s.DB.Watch(txf, key) }, s.txRetryOpts()...)
	if err != nil {
		if aborted, ok := err.(errRedisTxAborted); ok {
			return nil, aborted.Err
		}
		clog.WithError(err).Error("error calling redis to update content")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return result, nil
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*md.Content, *se.Err) {
	const errMsg = "error listing content"
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldUserID, ownerID)
	ids, err := s.DB.ZRevRange(ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get content ids of owner")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if len(ids) == 0 {
		return []*md.Content{}, nil
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	if _, err := s.DB.Pipelined(func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(contentKey(id))
		}
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling redis to get content of owner")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	cs := make([]*md.Content, 0, len(ids))
	for i, id := range ids {
		m := cmds[i].Val()
		// index entries may outlive their records briefly while being removed
		if len(m) == 0 {
			continue
		}
		c, derr := decodeContent(id, m)
		if derr != nil {
			clog.WithError(derr).WithField(cst.LogFieldContentID, id).Error("error decoding content data")
			return nil, derr
		}
		if !c.Deleted && c.OwnedBy(ownerID) {
			cs = append(cs, c)
		}
	}
	return cs, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) *se.Err {
	const errMsg = "error removing content"
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id)
	key := contentKey(id)
	// the owner is needed to clean up the owner index
	owner, err := s.DB.HGet(key, fieldNameOwnerID).Result()
	if err != nil && err != redis.Nil {
		clog.WithError(err).Error("error calling redis to get content owner")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	// redis ignores absent keys and members upon DEL, ZREM and SREM
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.Del(key)
		p.ZRem(keyContentExpirySet, id)
		p.SRem(keyContentTombstones, id)
		if owner != "" {
			p.ZRem(ownerKey(owner), id)
		}
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling redis to remove content")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	const errMsg = "error loading junk content"
	if err := checkMax(max); err != nil {
		return nil, err
	}
	clog := logging.FromContext(ctx, logging.WithFuncName())
	// gather stale content ids; Count == 0 means no limit
	opt := redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(unixMillis(now), 10), Count: int64(max)}
	expired, err := s.DB.ZRangeByScore(keyContentExpirySet, opt).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of expired content")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	tombstoned, err := s.DB.SMembers(keyContentTombstones).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of tombstoned content")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	ids := lo.Uniq(append(expired, tombstoned...))
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	clog.WithField("ids", ids).Debug("done loading junk content ids")
	// assemble junk and return
	jks := s.junk(ctx, now, ids)
	clog.WithField("count", len(jks)).Debug("done assembling junk content")
	return jks, nil
}

func (s *RedisStore) junk(ctx context.Context, now time.Time, ids []string) []*md.Junk {
	clog := logging.FromContext(ctx, logging.WithFuncName())
	// this concurrency setup guarantees following ordering: ALL fetcher goroutines finish -> the error
	// counter goroutine gets the very last err and the goroutine executing junk() gets the last junk ->
	// waiter goroutine unblocks from wait and closes done channel -> error counter and junk() goroutine exit.
	fpsize := s.JunkFetcherPoolSize
	if fpsize <= 0 {
		fpsize = 1
	}
	quotas := make(chan struct{}, fpsize)
	jkChan, errChan, done := make(chan *md.Junk), make(chan error), make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(len(ids))
	// waiter
	go func() {
		wg.Wait()
		close(done)
	}()
	// a dedicated goroutine to collect error stats
	var errcnt int
	errsCounted := make(chan struct{})
	go func() {
		defer close(errsCounted)
		for {
			select {
			case <-errChan:
				errcnt++
			case <-done:
				return
			}
		}
	}()
	// spawn assemblers
	clog.WithField("fetcherPoolSize", fpsize).Debug("spawning fetchers")
	for _, id := range ids {
		go func(id string) {
			// NOTE individual worker should be responsible for acquiring quota otherwise we risk blocking
			// goroutine executing the enclosing function(in this case `junk()`)
			quotas <- struct{}{}
			defer func() { <-quotas }()
			defer wg.Done()
			vals, err := s.DB.HMGet(contentKey(id), fieldNameKind, fieldNameFileRef, fieldNameExpiry, fieldNameDeleted).Result()
			if err != nil {
				clog.WithError(err).WithField(cst.LogFieldContentID, id).Error("error getting content file refs from redis")
				errChan <- err
				return
			}
			jk := &md.Junk{ContentID: id}
			// record may be gone already, in which case only its index entries are left to clean up
			if kind, ok := vals[0].(string); ok {
				// expiry index is kept in milliseconds; double check with the exact expiry
				expiry, _ := vals[2].(string)
				deleted, _ := vals[3].(string)
				if ns, err := strconv.ParseInt(expiry, 10, 64); deleted != "1" && err == nil && ns > now.UnixNano() {
					return
				}
				if ref, _ := vals[1].(string); kind == strconv.Itoa(int(md.KindFile)) && ref != "" {
					jk.FileRefs = []string{ref}
				}
			}
			jkChan <- jk
		}(id)
	}
	// goroutine executing this function to collect assembled junk
	jks := make([]*md.Junk, 0, len(ids))
	for {
		select {
		case jk := <-jkChan:
			jks = append(jks, jk)
		case <-done:
			<-errsCounted
			clog.Debug("done collecting junk content")
			if errcnt > 0 {
				clog.Errorf("got %d errors when retrieving junk content file refs from redis. See log before time %s",
					errcnt, time.Now().UTC())
			}
			return jks
		}
	}
}

func (s *RedisStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}

func unixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func encodeContent(c *md.Content) map[string]interface{} {
	m := map[string]interface{}{
		fieldNameKind:         int(c.Kind()),
		fieldNameCreationTime: c.CreationTime.UnixNano(),
		fieldNameExpiry:       c.Expiry.UnixNano(),
		fieldNameViewCount:    c.ViewCount,
		fieldNameMaxViews:     c.MaxViews,
		fieldNameReadAndBurn:  c.ReadAndBurn,
		fieldNamePasswordHash: c.PasswordHash,
		fieldNameDeleted:      c.Deleted,
		fieldNameOwnerID:      c.OwnerID,
	}
	switch p := c.Payload.(type) {
	case md.TextPayload:
		m[fieldNameText] = p.Body
	case md.FilePayload:
		m[fieldNameFileRef] = p.Ref
		m[fieldNameFileName] = p.Name
		m[fieldNameFileSize] = p.Size
		m[fieldNameMIMEType] = p.MIMEType
	}
	return m
}

func decodeContent(id string, m map[string]string) (*md.Content, *se.Err) {
	const errMsg = "error unmarshalling content data"
	c := &md.Content{
		ID:           id,
		PasswordHash: m[fieldNamePasswordHash],
		OwnerID:      m[fieldNameOwnerID],
	}
	kind, err := strconv.Atoi(m[fieldNameKind])
	if err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	switch md.Kind(kind) {
	case md.KindText:
		c.Payload = md.TextPayload{Body: m[fieldNameText]}
	case md.KindFile:
		size, err := strconv.ParseInt(m[fieldNameFileSize], 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure(errMsg).WithCause(err)
		}
		c.Payload = md.FilePayload{
			Ref:      m[fieldNameFileRef],
			Name:     m[fieldNameFileName],
			Size:     size,
			MIMEType: m[fieldNameMIMEType],
		}
	default:
		return nil, se.NewServiceFailure(fmt.Sprintf("unknown content kind %d", kind))
	}
	ints := map[string]*int64{}
	var created, expiry int64
	ints[fieldNameCreationTime], ints[fieldNameExpiry] = &created, &expiry
	for f, dst := range ints {
		v, err := strconv.ParseInt(m[f], 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure(errMsg).WithCause(err)
		}
		*dst = v
	}
	c.CreationTime, c.Expiry = time.Unix(0, created), time.Unix(0, expiry)
	if c.ViewCount, err = strconv.ParseUint(m[fieldNameViewCount], 10, 64); err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if c.MaxViews, err = strconv.ParseUint(m[fieldNameMaxViews], 10, 64); err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	// go-redis writes booleans as "1" or "0"
	if c.ReadAndBurn, err = strconv.ParseBool(m[fieldNameReadAndBurn]); err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if c.Deleted, err = strconv.ParseBool(m[fieldNameDeleted]); err != nil {
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	return c, nil
}
