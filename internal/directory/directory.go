// Package directory resolves user ids to display names for presence and
// conversation transcripts. Lookups never fail the caller: an unknown user or
// an unavailable backend is reported as "no name".
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/dmchat/internal/domain"
	"github.com/Tyrowin/dmchat/internal/log"
)

// fetchTimeout bounds a shared lookup, which no longer follows the
// cancellation of the caller that started it.
const fetchTimeout = 5 * time.Second

// UserLookup is the subset of the user store the directory reads.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (domain.User, error)
}

// Directory resolves display names through a cache in front of the user store.
type Directory struct {
	users  UserLookup
	cache  NameCache
	sf     singleflight.Group
	logger zerolog.Logger
}

// New creates a Directory. cache may be nil to always read the user store.
func New(users UserLookup, cache NameCache, logger zerolog.Logger) *Directory {
	return &Directory{
		users:  users,
		cache:  cache,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// ResolveName returns the display name of userID, or false when it cannot be
// resolved. Concurrent lookups of the same id share one backend read; each
// caller stops waiting when its own ctx is done without failing the others.
func (d *Directory) ResolveName(ctx context.Context, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}

	ch := d.sf.DoChan(userID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return d.fetch(fctx, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		name, _ := res.Val.(string)
		return name, name != ""
	case <-ctx.Done():
		return "", false
	}
}

func (d *Directory) fetch(ctx context.Context, userID string) (string, error) {
	if d.cache != nil {
		name, err := d.cache.Get(ctx, userID)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			d.logger.Warn().Err(err).Str(log.FieldUserID, userID).Msg("name cache get error")
		}
	}

	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		d.logger.Debug().Err(err).Str(log.FieldUserID, userID).Msg("name lookup failed")
		return "", err
	}

	if d.cache != nil && user.UserName != "" {
		if err := d.cache.Set(ctx, userID, user.UserName); err != nil {
			d.logger.Warn().Err(err).Str(log.FieldUserID, userID).Msg("name cache set error")
		}
	}
	return user.UserName, nil
}
