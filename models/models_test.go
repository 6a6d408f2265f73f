package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	se "wuyrush.io/linkvault/errors"
)

func TestModels_ContentCheckAccess(t *testing.T) {
	now := time.Now()
	fresh := func() Content {
		return Content{
			ID:           "fake",
			Payload:      TextPayload{Body: "foo"},
			CreationTime: now.Add(-time.Minute),
			Expiry:       now.Add(10 * time.Minute),
		}
	}
	tcs := []struct {
		name    string
		content func() Content
		expCode se.ErrCode
	}{
		{
			name:    "Accessible",
			content: fresh,
		},
		{
			name: "Tombstoned",
			content: func() Content {
				c := fresh()
				c.Deleted = true
				return c
			},
			expCode: se.ErrCodeNotFound,
		},
		{
			name: "TombstoneWinsOverExpiry",
			content: func() Content {
				c := fresh()
				c.Deleted = true
				c.Expiry = now.Add(-time.Second)
				return c
			},
			expCode: se.ErrCodeNotFound,
		},
		{
			name: "Expired",
			content: func() Content {
				c := fresh()
				c.Expiry = now.Add(-time.Second)
				return c
			},
			expCode: se.ErrCodeExpired,
		},
		{
			name: "ExpiredEvenUnderQuota",
			content: func() Content {
				c := fresh()
				c.Expiry = now.Add(-time.Second)
				c.MaxViews = 5
				c.ViewCount = 1
				return c
			},
			expCode: se.ErrCodeExpired,
		},
		{
			name: "ReadAndBurnViewed",
			content: func() Content {
				c := fresh()
				c.ReadAndBurn = true
				c.ViewCount = 1
				return c
			},
			expCode: se.ErrCodeQuotaExhausted,
		},
		{
			name: "ReadAndBurnUnviewed",
			content: func() Content {
				c := fresh()
				c.ReadAndBurn = true
				return c
			},
		},
		{
			name: "MaxViewsReached",
			content: func() Content {
				c := fresh()
				c.MaxViews = 2
				c.ViewCount = 2
				return c
			},
			expCode: se.ErrCodeQuotaExhausted,
		},
		{
			name: "MaxViewsNotReached",
			content: func() Content {
				c := fresh()
				c.MaxViews = 2
				c.ViewCount = 1
				return c
			},
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			content := c.content()
			err := content.CheckAccess(now)
			if c.expCode == "" {
				assert.Nil(t, err)
				return
			}
			if assert.NotNil(t, err) {
				assert.Equal(t, c.expCode, err.Code)
			}
		})
	}
}

func TestModels_ContentView(t *testing.T) {
	tcs := []struct {
		name       string
		content    Content
		expCount   uint64
		expDeleted bool
	}{
		{
			name:     "Unlimited",
			content:  Content{},
			expCount: 1,
		},
		{
			name:       "ReadAndBurn",
			content:    Content{ReadAndBurn: true},
			expCount:   1,
			expDeleted: true,
		},
		{
			name:       "MaxViewsOne",
			content:    Content{MaxViews: 1},
			expCount:   1,
			expDeleted: true,
		},
		{
			name:     "MaxViewsNotReached",
			content:  Content{MaxViews: 3, ViewCount: 1},
			expCount: 2,
		},
		{
			name:       "LastView",
			content:    Content{MaxViews: 3, ViewCount: 2},
			expCount:   3,
			expDeleted: true,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			content := c.content
			content.View()
			assert.Equal(t, c.expCount, content.ViewCount)
			assert.Equal(t, c.expDeleted, content.Deleted)
		})
	}
}

func TestModels_ReadAndBurnGatesLikeSingleView(t *testing.T) {
	now := time.Now()
	burn := Content{Expiry: now.Add(time.Hour), ReadAndBurn: true}
	single := Content{Expiry: now.Add(time.Hour), MaxViews: 1}
	for i := 0; i < 2; i++ {
		burnErr, singleErr := burn.CheckAccess(now), single.CheckAccess(now)
		assert.Equal(t, burnErr == nil, singleErr == nil, "gating diverges at view %d", i)
		if burnErr != nil && singleErr != nil {
			assert.Equal(t, burnErr.Code, singleErr.Code)
		}
		burn.View()
		single.View()
	}
	assert.Equal(t, burn.Deleted, single.Deleted)
}

func TestModels_ContentJunk(t *testing.T) {
	now := time.Now()
	tcs := []struct {
		name    string
		content Content
		junk    bool
	}{
		{
			name:    "Live",
			content: Content{Expiry: now.Add(time.Minute)},
		},
		{
			name:    "ExpiringNow",
			content: Content{Expiry: now},
			junk:    true,
		},
		{
			name:    "Expired",
			content: Content{Expiry: now.Add(-time.Minute)},
			junk:    true,
		},
		{
			name:    "Tombstoned",
			content: Content{Expiry: now.Add(time.Minute), Deleted: true},
			junk:    true,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.junk, c.content.Junk(now))
		})
	}
}

func TestModels_ContentOwnedBy(t *testing.T) {
	assert.True(t, (&Content{OwnerID: "foo"}).OwnedBy("foo"))
	assert.False(t, (&Content{OwnerID: "foo"}).OwnedBy("bar"))
	assert.False(t, (&Content{}).OwnedBy(""), "ownerless content is owned by nobody")
}

func TestModels_ContentValidate(t *testing.T) {
	now := time.Now()
	valid := func() *Content {
		return &Content{
			ID:           "fake",
			Payload:      FilePayload{Ref: "/tmp/foo/bar.txt", Name: "bar.txt", Size: 3},
			CreationTime: now,
			Expiry:       now.Add(time.Minute),
		}
	}
	assert.Nil(t, valid().Validate())

	noPayload := valid()
	noPayload.Payload = nil
	assert.NotNil(t, noPayload.Validate())

	emptyText := valid()
	emptyText.Payload = TextPayload{}
	assert.NotNil(t, emptyText.Validate())

	backwards := valid()
	backwards.Expiry = now
	assert.NotNil(t, backwards.Validate())
}

func TestModels_UserAnonymous(t *testing.T) {
	tcs := []struct {
		user      *User
		anonymous bool
	}{
		{
			anonymous: true,
		},
		{
			user:      &User{},
			anonymous: true,
		},
		{
			user:      &User{ID: "johndoe"},
			anonymous: false,
		},
	}
	for _, c := range tcs {
		assert.Equal(t, c.anonymous, c.user.Anonymous(), "unexpected user anonymonity")
	}
}
