package main

import (
	"github.com/redis/go-redis/v9"

	"github.com/cyfrworks/cyfr-sub001/pkg/ratelimiter"
)

func newRedisLimiter(url string) (*ratelimiter.RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return ratelimiter.NewRedis(client, "enginesrv"), nil
}
