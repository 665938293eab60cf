package deals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prebid/pg-engine/deals/model"
	"github.com/prebid/pg-engine/errortypes"
)

// UserService resolves frequency capped ids and segment membership for a
// user from the user data store.
type UserService struct {
	client    redis.Cmdable
	keyPrefix string
	timeout   time.Duration
}

func NewUserService(client redis.Cmdable, keyPrefix string, timeout time.Duration) *UserService {
	return &UserService{
		client:    client,
		keyPrefix: keyPrefix,
		timeout:   timeout,
	}
}

// GetUserDetails fetches the user record by id. An unknown user yields an
// empty details value, which still counts as a successful lookup. Only a
// store failure returns an error, so callers can tell "not capped" from
// "could not check".
func (s *UserService) GetUserDetails(ctx context.Context, userID string) (*model.UserDetails, error) {
	if userID == "" {
		return &model.UserDetails{}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(lookupCtx, s.keyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &model.UserDetails{}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &errortypes.Timeout{
				Message: fmt.Sprintf("user details fetch for user %s timed out", userID),
			}
		}
		return nil, &errortypes.UserDetailsUnavailable{
			Message: fmt.Sprintf("failed to fetch user details for user %s: %s", userID, err),
		}
	}

	var details model.UserDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, &errortypes.UserDetailsUnavailable{
			Message: fmt.Sprintf("malformed user details record for user %s: %s", userID, err),
		}
	}
	return &details, nil
}
