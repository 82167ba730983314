package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMembershipResolver answers tenant membership from Redis. Memberships
// live in a set per principal (key: member:{principalID}) and the home
// tenant in a plain key (key: home:{principalID}), so an external identity
// system can maintain them without going through this process.
type RedisMembershipResolver struct {
	client  *redis.Client
	setFmt  string
	homeFmt string
}

func NewRedisMembershipResolver(client *redis.Client) *RedisMembershipResolver {
	return &RedisMembershipResolver{client: client, setFmt: "member:%s", homeFmt: "home:%s"}
}

func (r *RedisMembershipResolver) setKey(principalID string) string {
	return fmt.Sprintf(r.setFmt, principalID)
}

func (r *RedisMembershipResolver) homeKey(principalID string) string {
	return fmt.Sprintf(r.homeFmt, principalID)
}

func (r *RedisMembershipResolver) IsMember(ctx context.Context, principalID, tenantID string) (bool, error) {
	return r.client.SIsMember(ctx, r.setKey(principalID), tenantID).Result()
}

func (r *RedisMembershipResolver) HomeTenant(ctx context.Context, principalID string) (string, error) {
	home, err := r.client.Get(ctx, r.homeKey(principalID)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no home tenant recorded for %s", principalID)
	}
	return home, err
}

// AddMember registers a membership; the first tenant recorded for a
// principal becomes its home tenant.
func (r *RedisMembershipResolver) AddMember(ctx context.Context, principalID, tenantID string) error {
	if err := r.client.SAdd(ctx, r.setKey(principalID), tenantID).Err(); err != nil {
		return err
	}
	return r.client.SetNX(ctx, r.homeKey(principalID), tenantID, 0).Err()
}

// RemoveMember drops a membership. The home tenant is left alone so audit
// attribution for past events stays resolvable.
func (r *RedisMembershipResolver) RemoveMember(ctx context.Context, principalID, tenantID string) error {
	return r.client.SRem(ctx, r.setKey(principalID), tenantID).Err()
}

// SetHome explicitly repins the home tenant.
func (r *RedisMembershipResolver) SetHome(ctx context.Context, principalID, tenantID string) error {
	return r.client.Set(ctx, r.homeKey(principalID), tenantID, 0).Err()
}
