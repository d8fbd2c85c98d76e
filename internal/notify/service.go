package notify

import (
	"context"
	"fmt"

	"logbid/internal/core"
	apperrors "logbid/pkg/errors"
)

// Service is the read side of notifications: listing, unread counts and
// mark-as-read, served through the query cache.
type Service struct {
	gateway core.IGateway
	cache   core.ICache
	logger  core.ILogger
}

// NewService creates a notification read service
func NewService(gw core.IGateway, cache core.ICache, logger core.ILogger) *Service {
	return &Service{
		gateway: gw,
		cache:   cache,
		logger:  logger.WithField("component", "notify_service"),
	}
}

// List returns a user's notifications through the cache
func (s *Service) List(ctx context.Context, userID string) ([]core.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}

	key := core.Key{"notifications", userID}
	v, err := s.cache.Read(ctx, key, func(ctx context.Context) (any, error) {
		return s.gateway.QueryNotifications(ctx, userID, false)
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.Notification), nil
}

// UnreadCount returns how many of a user's notifications are unread
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	notifications, err := s.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, n := range notifications {
		if !n.IsRead {
			count++
		}
	}
	return count, nil
}

// MarkRead marks one notification read and invalidates the user's listing
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if notificationID == "" {
		return fmt.Errorf("%w: notification id is required", apperrors.ErrValidation)
	}

	_, err := s.gateway.UpdateNotifications(ctx,
		core.Filters{"id": notificationID, "user_id": userID},
		core.Filters{"is_read": true},
	)
	if err != nil {
		return err
	}

	s.cache.Invalidate(KeyPrefix())
	return nil
}

// MarkAllRead marks every unread notification of a user as read
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}

	_, err := s.gateway.UpdateNotifications(ctx,
		core.Filters{"user_id": userID, "is_read": false},
		core.Filters{"is_read": true},
	)
	if err != nil {
		return err
	}

	s.cache.Invalidate(KeyPrefix())
	return nil
}

// KeyPrefix is the cache key prefix for notification listings
func KeyPrefix() core.Key {
	return core.Key{"notifications"}
}
