package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/flowdraw/collab/collab"
)

// RedisStore keeps each document as a json value under a prefixed key and
// maintains a set of known ids for listing.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, addr string, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}, nil
}

func (self *RedisStore) docKey(docId string) string {
	return self.prefix + ":doc:" + docId
}

func (self *RedisStore) indexKey() string {
	return self.prefix + ":docs"
}

func (self *RedisStore) List(ctx context.Context) ([]collab.DocumentInfo, error) {
	docIds, err := self.client.SMembers(ctx, self.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	infos := []collab.DocumentInfo{}
	for _, docId := range docIds {
		document, err := self.Get(ctx, docId)
		if errors.Is(err, ErrNotFound) {
			// index entry with no value, drop it lazily
			self.client.SRem(ctx, self.indexKey(), docId)
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, *document.Info())
	}
	return infos, nil
}

func (self *RedisStore) Get(ctx context.Context, docId string) (*collab.Document, error) {
	b, err := self.client.Get(ctx, self.docKey(docId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	var document collab.Document
	if err := json.Unmarshal(b, &document); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &document, nil
}

func (self *RedisStore) Put(ctx context.Context, document *collab.Document) error {
	b, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	pipe := self.client.TxPipeline()
	pipe.Set(ctx, self.docKey(document.Id), b, 0)
	pipe.SAdd(ctx, self.indexKey(), document.Id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

func (self *RedisStore) Delete(ctx context.Context, docId string) error {
	n, err := self.client.Del(ctx, self.docKey(docId)).Result()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	self.client.SRem(ctx, self.indexKey(), docId)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (self *RedisStore) Close() error {
	return self.client.Close()
}
