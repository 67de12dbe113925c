package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flockgate/flockgate/log"
)

const (
	pendingTransactionVal   = "p"
	completedTransactionVal = "c"
	failedTransactionPrefix = "f:"

	transactionTimeout = time.Second
)

type redisTransactionRegistry struct {
	redisClient redis.UniversalClient

	// deadline is how long a pending transaction record lives.
	deadline time.Duration
}

func newRedisTransactionRegistry(redisClient redis.UniversalClient, deadline time.Duration) *redisTransactionRegistry {
	return &redisTransactionRegistry{
		redisClient: redisClient,
		deadline:    deadline,
	}
}

// Close is a no-op: the redis client is owned by the cache.
func (r *redisTransactionRegistry) Close() error {
	return nil
}

func transactionKey(key *Key) string {
	return "transaction:" + key.String()
}

func (r *redisTransactionRegistry) Create(key *Key) error {
	ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
	defer cancel()
	return r.redisClient.SetNX(ctx, transactionKey(key), pendingTransactionVal, r.deadline).Err()
}

func (r *redisTransactionRegistry) Complete(key *Key) error {
	return r.updateTransactionState(key, completedTransactionVal)
}

func (r *redisTransactionRegistry) Fail(key *Key, reason string) error {
	return r.updateTransactionState(key, failedTransactionPrefix+reason)
}

func (r *redisTransactionRegistry) updateTransactionState(key *Key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
	defer cancel()
	return r.redisClient.Set(ctx, transactionKey(key), value, transactionEndedTTL).Err()
}

func (r *redisTransactionRegistry) Status(key *Key) (TransactionStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
	defer cancel()
	value, err := r.redisClient.Get(ctx, transactionKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return TransactionStatus{State: transactionAbsent}, nil
	}
	if err != nil {
		log.Errorf("failed to fetch transaction status from redis for key: %s", key.String())
		return TransactionStatus{State: transactionAbsent}, err
	}

	switch {
	case value == pendingTransactionVal:
		return TransactionStatus{State: transactionCreated}, nil
	case value == completedTransactionVal:
		return TransactionStatus{State: transactionCompleted}, nil
	case strings.HasPrefix(value, failedTransactionPrefix):
		return TransactionStatus{
			State:      transactionFailed,
			FailReason: strings.TrimPrefix(value, failedTransactionPrefix),
		}, nil
	default:
		log.Errorf("unknown transaction state %q for key: %s", value, key.String())
		return TransactionStatus{State: transactionAbsent}, nil
	}
}
