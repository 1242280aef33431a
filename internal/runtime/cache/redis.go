package cache

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// RedisSnapshotStore keeps a snapshot in a single hash, one field per entry.
// Saves go to a staging key that is renamed over the live one.
type RedisSnapshotStore struct {
	client valkey.Client
	key    string
}

func NewRedisSnapshotStore(cfg RedisConfig, key string) (*RedisSnapshotStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}
	if key == "" {
		return nil, errors.New("cache: redis snapshot key required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &RedisSnapshotStore{client: client, key: key}, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.key).Build()).Error(); err != nil {
			return fmt.Errorf("cache: redis del: %w", err)
		}
		return nil
	}

	staging := s.key + ":staging"
	hset := s.client.B().Hset().Key(staging).FieldValue()
	for i, e := range entries {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(e.record()); err != nil {
			return fmt.Errorf("cache: redis encode %q: %w", e.Key(), err)
		}
		// field order keeps the recency order on load
		hset = hset.FieldValue(fmt.Sprintf("%08d", i), buf.String())
	}

	cmds := valkey.Commands{
		s.client.B().Del().Key(staging).Build(),
		hset.Build(),
		s.client.B().Rename().Key(staging).Newkey(s.key).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis save: %w", err)
		}
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context) ([]*Entry, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key).Build()).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: redis load: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	for i := 0; i < len(fields); i++ {
		payload, ok := fields[fmt.Sprintf("%08d", i)]
		if !ok {
			return nil, fmt.Errorf("cache: redis load: missing field %d", i)
		}
		buf.WriteString(payload)
	}
	return decodeRecords(ctx, &buf)
}

func (s *RedisSnapshotStore) Close() error {
	s.client.Close()
	return nil
}
