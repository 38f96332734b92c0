package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	"go.uber.org/zap"
)

const mirrorTimeout = 5 * time.Second

// Service reads and writes presence records.
type Service struct {
	store  Store
	mirror Mirror
	log    *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewService builds a presence service. mirror may be nil.
func NewService(store Store, mirror Mirror, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:  store,
		mirror: mirror,
		log:    logger.Component(log, "presence"),
		now:    time.Now,
	}
}

// Set stores the normalized status for userID and returns the stored record.
// The mirror write happens in the background and only logs on failure.
func (s *Service) Set(ctx context.Context, userID, status, message string) (Record, error) {
	if userID == "" {
		return Record{}, fmt.Errorf("%w: user id is required", relayerrors.ErrInvalidInput)
	}
	rec := Record{
		UserID:       userID,
		Status:       Normalize(status),
		Message:      message,
		LastActiveAt: s.now().UTC(),
	}
	if err := s.store.Set(ctx, rec); err != nil {
		return Record{}, relayerrors.LogWithError(ctx, s.log, "failed to store presence", err, zap.String("user_id", userID))
	}
	metrics.PresenceTransitions.WithLabelValues(string(rec.Status)).Inc()

	if s.mirror != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
			defer cancel()
			if err := s.mirror.Mirror(mctx, rec); err != nil {
				s.log.Warn("presence mirror write failed", zap.String("user_id", userID), zap.Error(err))
			}
		}()
	}
	return rec, nil
}

// Get returns the record for userID, OFFLINE when none is stored.
func (s *Service) Get(ctx context.Context, userID string) (Record, error) {
	return s.store.Get(ctx, userID)
}

// GetMany returns a record for every requested id.
func (s *Service) GetMany(ctx context.Context, userIDs []string) (map[string]Record, error) {
	return s.store.GetMany(ctx, userIDs)
}

// Wait blocks until background mirror writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
