// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdConfig configures the etcd-backed store.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration

	// TLS is optional; nil means plaintext (dev clusters only).
	TLS *tls.Config
}

// etcdStore implements Store on an etcd cluster.
type etcdStore struct {
	client *clientv3.Client
}

// NewEtcd connects to the configured etcd cluster.
func NewEtcd(cfg EtcdConfig) (Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return &etcdStore{client: client}, nil
}

func (s *etcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return "", false, wrapEtcdErr(ctx, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *etcdStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := s.client.Grant(ctx, ttlSeconds(ttl))
		if err != nil {
			return wrapEtcdErr(ctx, err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := s.client.Put(ctx, key, value, opts...); err != nil {
		return wrapEtcdErr(ctx, err)
	}
	return nil
}

func (s *etcdStore) CAS(ctx context.Context, key, expected, next string) (bool, error) {
	var cmp clientv3.Cmp
	if expected == "" {
		// Create only if the key does not currently exist.
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(key), "=", expected)
	}
	resp, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, next)).Commit()
	if err != nil {
		return false, wrapEtcdErr(ctx, err)
	}
	return resp.Succeeded, nil
}

func (s *etcdStore) Inc(ctx context.Context, key string) (uint64, error) {
	// Optimistic read-modify-write guarded by the key's mod revision.
	// Contention retries locally until the txn lands.
	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return 0, wrapEtcdErr(ctx, err)
		}

		var current uint64
		var guard clientv3.Cmp
		if len(resp.Kvs) == 0 {
			guard = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			current, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("counter %q holds non-numeric value: %w", key, err)
			}
			guard = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		}

		next := current + 1
		txn, err := s.client.Txn(ctx).
			If(guard).
			Then(clientv3.OpPut(key, strconv.FormatUint(next, 10))).
			Commit()
		if err != nil {
			return 0, wrapEtcdErr(ctx, err)
		}
		if txn.Succeeded {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

func (s *etcdStore) Lock(ctx context.Context, key, holder string, ttl time.Duration) (LockHandle, error) {
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(int(ttlSeconds(ttl))))
	if err != nil {
		return nil, wrapEtcdErr(ctx, err)
	}
	mutex := concurrency.NewMutex(session, key)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, wrapEtcdErr(ctx, err)
	}
	// Record the holder beside the mutex key for operators; the value
	// dies with the session lease.
	_, _ = s.client.Put(ctx, key+"/holder", holder, clientv3.WithLease(session.Lease()))
	return &etcdLock{session: session, mutex: mutex}, nil
}

func (s *etcdStore) Close() error {
	return s.client.Close()
}

type etcdLock struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
	once    sync.Once
}

func (l *etcdLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		select {
		case <-l.session.Done():
			err = ErrLockLost
		default:
			err = l.mutex.Unlock(ctx)
		}
		_ = l.session.Close()
	})
	return err
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func wrapEtcdErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}
