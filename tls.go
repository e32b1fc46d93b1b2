package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/libdns/porkbun"
	"github.com/redis/go-redis/v9"
)

// certStorage keeps certmagic state in redis so every instance serves the
// same certificate and only one of them solves a challenge at a time.
type certStorage struct {
	rdb    *redis.Client
	locker *redislock.Client
	prefix string
	locks  sync.Map
}

func newCertStorage(rdb *redis.Client, prefix string) *certStorage {
	return &certStorage{
		rdb:    rdb,
		locker: redislock.New(rdb),
		prefix: fmt.Sprintf("%v:tls:", prefix),
	}
}

func (s *certStorage) key(name string) string {
	return s.prefix + name
}

func (s *certStorage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(1 * time.Second),
	}

	lock, err := s.locker.Obtain(ctx, s.key("lock:"+name), 1*time.Minute, opts)
	if err != nil {
		return err
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *certStorage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *certStorage) Store(ctx context.Context, key string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, s.key(key), hashmap).Err()
}

func (s *certStorage) Load(ctx context.Context, key string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, s.key(key), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *certStorage) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *certStorage) Exists(ctx context.Context, key string) bool {
	res, err := s.rdb.Exists(ctx, s.key(key)).Result()
	return err == nil && res > 0
}

func (s *certStorage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	pattern := s.key(prefix)
	if recursive {
		pattern += "*"
	}

	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}

func (s *certStorage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, s.key(key), "modified", "size").Result()
	if err != nil {
		return info, err
	}

	if len(res) != 2 || res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.ParseInt(fmt.Sprint(res[0]), 10, 64)
	if err != nil {
		return info, err
	}

	size, err := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	if err != nil {
		return info, err
	}

	info.Key = key
	info.Modified = time.Unix(modified, 0)
	info.Size = size
	info.IsTerminal = true

	return info, nil
}

func TLSConfig(domain, apiKey, apiSecret, prefix string, rdb *redis.Client) (*tls.Config, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
		DNSProvider: &porkbun.Provider{
			APIKey:       apiKey,
			APISecretKey: apiSecret,
		},
	}

	certmagic.Default.Storage = newCertStorage(rdb, prefix)

	return certmagic.TLS([]string{domain})
}
