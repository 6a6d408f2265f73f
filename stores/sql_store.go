package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"wuyrush.io/linkvault/common/logging"
	rt "wuyrush.io/linkvault/common/retry"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
)

// contentRow is the relational form of a content record. Times are kept as unix nanoseconds so that
// comparisons behave the same across dialects.
type contentRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	Kind          int
	Text          string `gorm:"type:text"`
	FileRef       string `gorm:"size:1024"`
	FileName      string `gorm:"size:255"`
	FileSize      int64
	MIMEType      string `gorm:"column:mime_type;size:255"`
	CreationNanos int64
	ExpiryNanos   int64 `gorm:"index"`
	ViewCount     uint64
	MaxViews      uint64
	ReadAndBurn   bool
	PasswordHash  string `gorm:"size:255"`
	Deleted       bool   `gorm:"index"`
	OwnerID       string `gorm:"size:64;index"`
	// Version is bumped by every update for optimistic concurrency control
	Version int64
}

func (contentRow) TableName() string {
	return "contents"
}

func toRow(c *md.Content) *contentRow {
	r := &contentRow{
		ID:            c.ID,
		Kind:          int(c.Kind()),
		CreationNanos: c.CreationTime.UnixNano(),
		ExpiryNanos:   c.Expiry.UnixNano(),
		ViewCount:     c.ViewCount,
		MaxViews:      c.MaxViews,
		ReadAndBurn:   c.ReadAndBurn,
		PasswordHash:  c.PasswordHash,
		Deleted:       c.Deleted,
		OwnerID:       c.OwnerID,
	}
	switch p := c.Payload.(type) {
	case md.TextPayload:
		r.Text = p.Body
	case md.FilePayload:
		r.FileRef, r.FileName, r.FileSize, r.MIMEType = p.Ref, p.Name, p.Size, p.MIMEType
	}
	return r
}

func (r *contentRow) content() (*md.Content, *se.Err) {
	c := &md.Content{
		ID:           r.ID,
		CreationTime: time.Unix(0, r.CreationNanos),
		Expiry:       time.Unix(0, r.ExpiryNanos),
		ViewCount:    r.ViewCount,
		MaxViews:     r.MaxViews,
		ReadAndBurn:  r.ReadAndBurn,
		PasswordHash: r.PasswordHash,
		Deleted:      r.Deleted,
		OwnerID:      r.OwnerID,
	}
	switch md.Kind(r.Kind) {
	case md.KindText:
		c.Payload = md.TextPayload{Body: r.Text}
	case md.KindFile:
		c.Payload = md.FilePayload{Ref: r.FileRef, Name: r.FileName, Size: r.FileSize, MIMEType: r.MIMEType}
	default:
		return nil, se.NewServiceFailure(fmt.Sprintf("unknown content kind %d", r.Kind))
	}
	return c, nil
}

// SQLStore is a ContentStore backed by a relational database through gorm
type SQLStore struct {
	DB *gorm.DB
	// TxMaxAttempts caps the retries of an update losing the optimistic version check
	TxMaxAttempts int64
}

// OpenSQLStore connects to the database of given dialect(sqlite, mysql or postgres) and migrates the
// schema
func OpenSQLStore(dialect, dsn string, txMaxAttempts int64) (*SQLStore, *se.Err) {
	var dl gorm.Dialector
	switch dialect {
	case "sqlite":
		dl = sqlite.Open(dsn)
	case "mysql":
		dl = mysql.Open(dsn)
	case "postgres":
		dl = postgres.Open(dsn)
	default:
		return nil, se.NewBadInput(fmt.Sprintf("unsupported sql dialect %q", dialect))
	}
	db, err := gorm.Open(dl, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, se.NewServiceFailure("error connecting to database").WithCause(err)
	}
	if dialect == "sqlite" {
		// sqlite allows a single writer; serialize access instead of failing with SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, se.NewServiceFailure("error connecting to database").WithCause(err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&contentRow{}); err != nil {
		return nil, se.NewServiceFailure("error migrating database schema").WithCause(err)
	}
	return &SQLStore{DB: db, TxMaxAttempts: txMaxAttempts}, nil
}

func (s *SQLStore) Put(ctx context.Context, c *md.Content) *se.Err {
	if err := c.Validate(); err != nil {
		return err
	}
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, c.ID)
	err := s.DB.WithContext(ctx).Create(toRow(c)).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || s.exists(ctx, c.ID) {
		return se.NewDuplicateID(fmt.Sprintf("content %s already exists", c.ID))
	}
	clog.WithError(err).Error("error inserting content")
	return se.NewServiceFailure("error saving content").WithCause(err)
}

func (s *SQLStore) exists(ctx context.Context, id string) bool {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&contentRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false
	}
	return n > 0
}

func (s *SQLStore) row(ctx context.Context, id string) (*contentRow, *se.Err) {
	r := &contentRow{}
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, se.NewNotFound(fmt.Sprintf("content %s not found", id))
		}
		return nil, se.NewServiceFailure("error getting content data").WithCause(err)
	}
	return r, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*md.Content, *se.Err) {
	r, err := s.row(ctx, id)
	if err != nil {
		if err.Code == se.ErrCodeServiceFailure {
			logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id).
				WithError(err).Error("error querying content")
		}
		return nil, err
	}
	return r.content()
}

// errSQLVersionConflict signals an update lost the optimistic version check
type errSQLVersionConflict struct{}

func (errSQLVersionConflict) Error() string {
	return "content changed concurrently"
}

func isVersionConflict(e error) bool {
	_, ok := e.(errSQLVersionConflict)
	return ok
}

func (s *SQLStore) Update(ctx context.Context, id string, fn Mutation) (*md.Content, *se.Err) {
	clog := logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id)
	var (
		result *md.Content
		serr   *se.Err
	)
	attempt := func() error {
		r, err := s.row(ctx, id)
		if err != nil {
			serr = err
			return nil
		}
		orig, err := r.content()
		if err != nil {
			serr = err
			return nil
		}
		mutated, changed, err := mutate(orig, fn)
		if err != nil {
			serr = err
			return nil
		}
		if !changed {
			result = mutated
			return nil
		}
		res := s.DB.WithContext(ctx).Model(&contentRow{}).
			Where("id = ? AND version = ?", id, r.Version).
			Updates(map[string]interface{}{
				"view_count": mutated.ViewCount,
				"deleted":    mutated.Deleted,
				"version":    r.Version + 1,
			})
		if res.Error != nil {
			serr = se.NewServiceFailure("error updating content").WithCause(res.Error)
			return nil
		}
		if res.RowsAffected == 0 {
			return errSQLVersionConflict{}
		}
		result = mutated
		return nil
	}
	err := rt.Retry(attempt,
		rt.WithMaxAttempts(s.TxMaxAttempts),
		rt.WithBaseDelay(time.Millisecond),
		rt.WithExp(2.0),
		rt.WithJitter(0.5),
		rt.WithMaxBackoff(100*time.Millisecond),
		rt.WithRetryOn(isVersionConflict),
	)
	if err != nil {
		clog.WithError(err).Error("gave up updating content")
		return nil, se.NewServiceFailure("error updating content").WithCause(err)
	}
	if serr != nil {
		if serr.Code == se.ErrCodeServiceFailure {
			clog.WithError(serr).Error("error updating content")
		}
		return nil, serr
	}
	return result, nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string) ([]*md.Content, *se.Err) {
	if ownerID == "" {
		return []*md.Content{}, nil
	}
	rows := []*contentRow{}
	if err := s.DB.WithContext(ctx).
		Where("owner_id = ? AND deleted = ?", ownerID, false).
		Order("creation_nanos DESC").
		Find(&rows).Error; err != nil {
		logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldUserID, ownerID).
			WithError(err).Error("error querying content of owner")
		return nil, se.NewServiceFailure("error listing content").WithCause(err)
	}
	cs := make([]*md.Content, 0, len(rows))
	for _, r := range rows {
		c, err := r.content()
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return cs, nil
}

func (s *SQLStore) Remove(ctx context.Context, id string) *se.Err {
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Delete(&contentRow{}).Error; err != nil {
		logging.FromContext(ctx, logging.WithFuncName()).WithField(cst.LogFieldContentID, id).
			WithError(err).Error("error deleting content")
		return se.NewServiceFailure("error removing content").WithCause(err)
	}
	return nil
}

func (s *SQLStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	if err := checkMax(max); err != nil {
		return nil, err
	}
	limit := max
	if max == 0 {
		// cancels the limit
		limit = -1
	}
	rows := []*contentRow{}
	if err := s.DB.WithContext(ctx).
		Select("id", "kind", "file_ref").
		Where("deleted = ? OR expiry_nanos <= ?", true, now.UnixNano()).
		Order("expiry_nanos").
		Limit(limit).
		Find(&rows).Error; err != nil {
		logging.FromContext(ctx, logging.WithFuncName()).WithError(err).Error("error querying junk content")
		return nil, se.NewServiceFailure("error loading junk content").WithCause(err)
	}
	jks := make([]*md.Junk, 0, len(rows))
	for _, r := range rows {
		jk := &md.Junk{ContentID: r.ID}
		if md.Kind(r.Kind) == md.KindFile && r.FileRef != "" {
			jk.FileRefs = []string{r.FileRef}
		}
		jks = append(jks, jk)
	}
	return jks, nil
}

func (s *SQLStore) Close() *se.Err {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return se.NewServiceFailure("failed getting database handle").WithCause(err)
	}
	if err := sqlDB.Close(); err != nil {
		return se.NewServiceFailure("failed closing database").WithCause(err)
	}
	return nil
}
